package test

import (
	"context"
	"fmt"
	"time"

	"github.com/chararch/caseselect"
	"github.com/chararch/caseselect/adapters/catalog"
	"github.com/chararch/caseselect/adapters/memory"
)

func main() {
	// in-memory wiring; production uses adapters/repository (MySQL) or
	// adapters/redis plus adapters/catalog.NewSQL, see cmd/selectd
	repo := memory.New()
	cases := make([]*caseselect.Case, 0, 10)
	for i := 0; i < 10; i++ {
		caseId := caseselect.CaseRef(fmt.Sprintf("case-%02d", i))
		cases = append(cases, &caseselect.Case{
			Id:         caseId,
			DatasetUri: "dataset://cohort-a",
			Patients: []*caseselect.Patient{{
				Id:     fmt.Sprintf("patient-%02d", i),
				CaseId: caseId,
				Specimens: []*caseselect.Specimen{{
					Id:           caseselect.SpecimenRef(fmt.Sprintf("specimen-%02d", i)),
					PatientId:    fmt.Sprintf("patient-%02d", i),
					Type:         "blood",
					ConsentCodes: []string{"GRU"},
				}},
			}},
		})
	}
	workCatalog := catalog.NewMemory(cases...)

	metadata := caseselect.NewApplicationMetadata()
	metadata.Set("use_codes", []string{"GRU"})
	release := &caseselect.Release{
		Id:                  "release-1",
		DatasetUris:         []string{"dataset://cohort-a"},
		ApplicationMetadata: metadata,
	}
	if err := repo.SaveRelease(release); err != nil {
		panic(err)
	}

	engine := caseselect.NewEngine(repo, workCatalog, caseselect.CodeMatchEvaluator{})

	ctx := context.Background()
	job, err := engine.StartJob(ctx, release.Id)
	if err != nil {
		panic(err)
	}

	poller := caseselect.NewPoller(engine, 100*time.Millisecond, time.Second)
	poller.Start()
	defer poller.Stop()

	for {
		current, err := engine.Job(ctx, job.JobId)
		if err != nil {
			panic(err)
		}
		fmt.Printf("job %v: %v%% %v\n", current.JobId, current.PercentDone, current.Status)
		if current.Status.Terminal() {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}

	final, _ := repo.FindRelease(release.Id)
	fmt.Printf("release %v selected %v specimens\n", final.Id, len(final.SelectedSpecimens))
}
