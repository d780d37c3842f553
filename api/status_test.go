package api

import (
	"testing"
)

func TestAssembleStatus(t *testing.T) {

	t.Log("given the need to test assembly of the status of all registered sources")
	{
		t.Log("\twhen no source has been registered")
		{
			resetStatusSources()

			msg := "\t\tassembled status must be empty"
			if len(assembleStatus()) == 0 {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX)
			}
		}

		t.Log("\twhen two sources have registered")
		{
			resetStatusSources()
			RegisterStatusSource(sourceBackground, func() map[string]any {
				return testStatusBackground
			})
			RegisterStatusSource(sourceGatherer, func() map[string]any {
				return testStatusGatherer
			})

			status := assembleStatus()

			msg := "\t\tassembled status must contain one key per source"
			if len(status) == 2 {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, len(status))
			}

			msg = "\t\tstatus of each source must mirror the provided status"
			if ok, detail := mapsEqualInContent(testStatusBackground, status[sourceBackground].(map[string]any)); ok {
				t.Log(msg, checkMark, sourceBackground)
			} else {
				t.Fatal(msg, ballotX, detail)
			}
			if ok, detail := mapsEqualInContent(testStatusGatherer, status[sourceGatherer].(map[string]any)); ok {
				t.Log(msg, checkMark, sourceGatherer)
			} else {
				t.Fatal(msg, ballotX, detail)
			}
		}

		t.Log("\twhen a source yields nil")
		{
			resetStatusSources()
			RegisterStatusSource(sourceBackground, func() map[string]any {
				return nil
			})

			status := assembleStatus()

			msg := "\t\tsource must still be present with empty status"
			if s, ok := status[sourceBackground].(map[string]any); ok && len(s) == 0 {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX)
			}
		}

		t.Log("\twhen a source registers twice")
		{
			resetStatusSources()
			RegisterStatusSource(sourceBackground, func() map[string]any {
				return testStatusGatherer
			})
			RegisterStatusSource(sourceBackground, func() map[string]any {
				return testStatusBackground
			})

			status := assembleStatus()

			msg := "\t\tlater registration must win"
			if ok, detail := mapsEqualInContent(testStatusBackground, status[sourceBackground].(map[string]any)); ok && len(status) == 1 {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, detail)
			}
		}
	}

}
