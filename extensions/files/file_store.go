package files

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jlaffaye/ftp"
)

// FileStore destination for exported manifests
type FileStore interface {
	Create(fileName string) (io.WriteCloser, error)
}

// LocalFileStore writes manifests into a directory
type LocalFileStore struct {
	Dir string
}

func (s *LocalFileStore) Create(fileName string) (io.WriteCloser, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, err
	}
	return os.Create(filepath.Join(s.Dir, fileName))
}

// FtpFileStore uploads manifests to an FTP drop on Close
type FtpFileStore struct {
	Hostport string
	User     string
	Password string
	Dir      string
	Timeout  time.Duration
}

func (s *FtpFileStore) Create(fileName string) (io.WriteCloser, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	conn, err := ftp.Dial(s.Hostport, ftp.DialWithTimeout(timeout))
	if err != nil {
		return nil, err
	}
	if err := conn.Login(s.User, s.Password); err != nil {
		conn.Quit()
		return nil, err
	}
	path := fileName
	if s.Dir != "" {
		path = s.Dir + "/" + fileName
	}
	return &ftpFile{conn: conn, path: path}, nil
}

type ftpFile struct {
	conn *ftp.ServerConn
	path string
	buf  bytes.Buffer
}

func (f *ftpFile) Write(p []byte) (int, error) {
	return f.buf.Write(p)
}

func (f *ftpFile) Close() error {
	defer f.conn.Quit()
	return f.conn.Stor(f.path, &f.buf)
}
