package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestStatusHandler(t *testing.T) {

	t.Log("given a status handler to serve the application's status endpoint")
	{
		t.Log("\twhen http method other than get is passed")
		{
			recorder := httptest.NewRecorder()

			statusHandler(recorder, httptest.NewRequest(http.MethodPost, "localhost:8080/status", nil))
			response := recorder.Result()
			defer func(body io.ReadCloser) {
				_ = body.Close()
			}(response.Body)

			expectedStatusCode := http.StatusMethodNotAllowed
			msg := fmt.Sprintf("\t\tstatus handler must return http status %d", expectedStatusCode)
			if response.StatusCode == expectedStatusCode {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX)
			}
		}

		t.Log("\twhen the background manager and the gatherer have registered")
		{
			resetStatusSources()
			RegisterStatusSource(sourceBackground, func() map[string]any {
				return testStatusBackground
			})
			RegisterStatusSource(sourceGatherer, func() map[string]any {
				return testStatusGatherer
			})

			recorder := httptest.NewRecorder()
			statusHandler(recorder, httptest.NewRequest(http.MethodGet, "localhost:8080/status", nil))
			response := recorder.Result()
			defer func(body io.ReadCloser) {
				_ = body.Close()
			}(response.Body)

			expectedStatusCode := http.StatusOK
			msg := fmt.Sprintf("\t\tstatus handler must return http status %d", expectedStatusCode)
			if response.StatusCode == expectedStatusCode {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, response.StatusCode)
			}

			data, err := tryResponseRead(response.Body)
			msg = "\t\tresponse must be readable"
			if err == nil {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX)
			}

			msg = "\t\tresponse body must be valid json"
			var decodedData map[string]any
			if err := json.Unmarshal(data, &decodedData); err == nil {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX)
			}

			msg = "\t\tnested maps must contain expected values"
			backgroundStatus := decodedData[sourceBackground].(map[string]any)
			parseNumbersBackToInt(backgroundStatus)
			if ok, detail := mapsEqualInContent(testStatusBackground, backgroundStatus); ok {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, detail)
			}
		}
	}

}

func TestLivenessHandler(t *testing.T) {

	t.Log("given a liveness handler to serve the application's liveness check")
	{
		t.Log("\twhen http get is sent")
		{
			recorder := httptest.NewRecorder()

			livenessHandler(recorder, httptest.NewRequest(http.MethodGet, "localhost:8080/liveness", nil))
			response := recorder.Result()
			defer func(body io.ReadCloser) {
				_ = body.Close()
			}(response.Body)

			expectedStatusCode := http.StatusOK
			msg := fmt.Sprintf("\t\tliveness handler must return http status %d", expectedStatusCode)
			if response.StatusCode == expectedStatusCode {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX)
			}
		}

		t.Log("\twhen http method other than get is sent")
		{
			recorder := httptest.NewRecorder()

			livenessHandler(recorder, httptest.NewRequest(http.MethodPost, "localhost:8080/liveness", nil))
			response := recorder.Result()
			defer func(body io.ReadCloser) {
				_ = body.Close()
			}(response.Body)

			expectedStatusCode := http.StatusMethodNotAllowed
			msg := fmt.Sprintf("\t\tliveness handler must return http status %d", expectedStatusCode)
			if response.StatusCode == expectedStatusCode {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX)
			}
		}
	}

}

func readinessStatusCode() int {

	recorder := httptest.NewRecorder()
	readinessHandler(recorder, httptest.NewRequest(http.MethodGet, "localhost:8080/readiness", nil))
	response := recorder.Result()
	_ = response.Body.Close()
	return response.StatusCode

}

func TestReadinessHandler(t *testing.T) {

	t.Log("given a readiness handler to serve the application's readiness endpoint")
	{
		t.Log("\twhen http method other than http get is sent")
		{
			recorder := httptest.NewRecorder()

			readinessHandler(recorder, httptest.NewRequest(http.MethodPost, "localhost:8080/readiness", nil))
			response := recorder.Result()
			defer func(body io.ReadCloser) {
				_ = body.Close()
			}(response.Body)

			expectedStatusCode := http.StatusMethodNotAllowed
			msg := fmt.Sprintf("\t\treadiness handler must return http status %d", expectedStatusCode)
			if response.StatusCode == expectedStatusCode {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX)
			}
		}

		t.Log("\twhen initial state is given")
		{
			r = &readiness{false, false, 0}

			msg := "\t\treadiness handler must return 503"
			if code := readinessStatusCode(); code == http.StatusServiceUnavailable {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, code)
			}
		}

		t.Log("\twhen the background manager has raised not ready")
		{
			r = &readiness{false, false, 0}

			RaiseNotReady()

			msg := "\t\treadiness handler must return 503"
			if code := readinessStatusCode(); code == http.StatusServiceUnavailable {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, code)
			}
		}

		t.Log("\twhen the background manager has raised readiness after having registered")
		{
			r = &readiness{false, false, 0}

			RaiseNotReady()
			RaiseReady()

			recorder := httptest.NewRecorder()
			readinessHandler(recorder, httptest.NewRequest(http.MethodGet, "localhost:8080/readiness", nil))
			response := recorder.Result()
			defer func(body io.ReadCloser) {
				_ = body.Close()
			}(response.Body)

			msg := "\t\treadiness handler must return 200"
			if response.StatusCode == http.StatusOK {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, response.StatusCode)
			}

			data, _ := tryResponseRead(response.Body)
			var decodedData map[string]any
			msg = "\t\tjson must contain affirmative readiness flag"
			if err := json.Unmarshal(data, &decodedData); err == nil && decodedData["Up"] == true {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, string(data))
			}
		}

		t.Log("\twhen readiness is raised without any actor having registered")
		{
			r = &readiness{false, false, 0}

			RaiseReady()

			msg := "\t\treadiness handler must return 503"
			if code := readinessStatusCode(); code == http.StatusServiceUnavailable {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, code)
			}
		}

		t.Log("\twhen one actor is ready and another one registers afterwards")
		{
			r = &readiness{false, false, 0}

			RaiseNotReady()
			RaiseReady()
			RaiseNotReady()

			msg := "\t\treadiness handler must return 503"
			if code := readinessStatusCode(); code == http.StatusServiceUnavailable {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, code)
			}

			RaiseReady()

			msg = "\t\treadiness handler must return 200 once the second actor is ready, too"
			if code := readinessStatusCode(); code == http.StatusOK {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, code)
			}
		}
	}

}

func TestMetricsEndpoint(t *testing.T) {

	t.Log("given the metrics endpoint exposed alongside the probes")
	{
		t.Log("\twhen the endpoint is queried")
		{
			server := Expose(0)
			defer func() {
				_ = server.Close()
			}()

			recorder := httptest.NewRecorder()
			server.Handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
			response := recorder.Result()
			defer func(body io.ReadCloser) {
				_ = body.Close()
			}(response.Body)

			data, _ := tryResponseRead(response.Body)
			msg := "\t\tprometheus exposition must contain the background collectors"
			if response.StatusCode == http.StatusOK && len(data) > 0 && strings.Contains(string(data), "hazelstress_stressors_running") {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, response.StatusCode)
			}
		}
	}

}
