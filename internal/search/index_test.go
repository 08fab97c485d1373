package search

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/probeops/inquest/internal/store"
)

func sampleInvestigation(id, focus, summary string, issues []string) store.Investigation {
	return store.Investigation{
		ID:        id,
		ClusterID: "c1",
		Focus:     focus,
		Status:    store.StatusCompleted,
		Results: store.Results{
			Steps: []store.StepResult{
				{StepNumber: 1, Summary: "1 of 1 commands succeeded"},
			},
			Summary: &store.ReportSummary{Summary: summary, Issues: issues},
		},
		UpdatedAt: time.Now().UTC(),
	}
}

func TestSearchFindsInvestigationBySymptom(t *testing.T) {
	idx, err := Open("")
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	defer idx.Close()

	crashing := sampleInvestigation("inv-1", "pods are crashlooping",
		"web-0 is in CrashLoopBackOff due to a bad liveness probe",
		[]string{"CrashLoopBackOff in namespace default"})
	healthy := sampleInvestigation("inv-2", "routine node sweep",
		"all nodes Ready, no issues found", nil)

	if err := idx.Add("inv-1", FromInvestigation(crashing, "prod-east", "")); err != nil {
		t.Fatalf("add inv-1: %v", err)
	}
	if err := idx.Add("inv-2", FromInvestigation(healthy, "prod-east", "node health sweep")); err != nil {
		t.Fatalf("add inv-2: %v", err)
	}

	hits, err := idx.Search("CrashLoopBackOff", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	if hits[0].ID != "inv-1" || hits[0].Rank != 1 {
		t.Fatalf("unexpected hit: %+v", hits[0])
	}
	if hits[0].Score <= 0 {
		t.Fatalf("expected positive score, got %f", hits[0].Score)
	}
}

func TestSearchNoMatches(t *testing.T) {
	idx, err := Open("")
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	defer idx.Close()

	inv := sampleInvestigation("inv-1", "disk pressure", "kubelet reports disk pressure on node-3", nil)
	if err := idx.Add("inv-1", FromInvestigation(inv, "", "")); err != nil {
		t.Fatalf("add: %v", err)
	}

	hits, err := idx.Search("etcd", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits, got %+v", hits)
	}
}

func TestReAddReplacesDocument(t *testing.T) {
	idx, err := Open("")
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	defer idx.Close()

	first := sampleInvestigation("inv-1", "", "initial diagnosis: OOMKilled containers", nil)
	if err := idx.Add("inv-1", FromInvestigation(first, "", "")); err != nil {
		t.Fatalf("add: %v", err)
	}
	second := sampleInvestigation("inv-1", "", "final diagnosis: memory limit too low", nil)
	if err := idx.Add("inv-1", FromInvestigation(second, "", "")); err != nil {
		t.Fatalf("re-add: %v", err)
	}

	count, err := idx.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 document after replace, got %d", count)
	}
	hits, err := idx.Search("OOMKilled", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("replaced document should not match old text, got %+v", hits)
	}
}

func TestOnDiskIndexSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "search.bleve")

	idx, err := Open(path)
	if err != nil {
		t.Fatalf("create index: %v", err)
	}
	inv := sampleInvestigation("inv-9", "api latency", "kube-apiserver p99 latency above 2s", nil)
	if err := idx.Add("inv-9", FromInvestigation(inv, "prod-west", "")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen index: %v", err)
	}
	defer reopened.Close()

	hits, err := reopened.Search("latency", 5)
	if err != nil {
		t.Fatalf("search after reopen: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "inv-9" {
		t.Fatalf("expected persisted hit for inv-9, got %+v", hits)
	}
}
