package harness

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// TraceSnapshot is the JSON form of a scenario outcome compared
// against golden files. Map keys serialize sorted, so the encoding is
// deterministic.
type TraceSnapshot struct {
	ScenarioName   string                      `json:"scenario_name"`
	Syncs          []SyncTrace                 `json:"syncs,omitempty"`
	FinalSets      map[string][]string         `json:"final_sets"`
	FinalRecords   map[string]map[string]int64 `json:"final_records,omitempty"`
	ShouldDownload map[string]bool             `json:"should_download,omitempty"`
}

// RunWithGolden executes a scenario and compares its outcome snapshot
// against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}

	snapshot := TraceSnapshot{
		ScenarioName:   scenario.Name,
		Syncs:          result.Syncs,
		FinalSets:      result.FinalSets,
		FinalRecords:   result.FinalRecords,
		ShouldDownload: result.ShouldDownload,
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, data)
	return nil
}
