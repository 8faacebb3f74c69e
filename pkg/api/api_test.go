package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsync/fleetsync/pkg/errors"
	"github.com/fleetsync/fleetsync/pkg/events"
	"github.com/fleetsync/fleetsync/pkg/models"
	"github.com/fleetsync/fleetsync/pkg/scheduler"
	"github.com/fleetsync/fleetsync/pkg/store"
	"github.com/fleetsync/fleetsync/pkg/sync/orchestrator"
	"github.com/fleetsync/fleetsync/pkg/sync/transport"
)

type mapLocator map[string]transport.Transport

func (m mapLocator) Locate(location string) (transport.Transport, error) {
	t, ok := m[location]
	if !ok {
		return nil, errors.DestinationUnreachable{
			DeviceID: location,
			Err:      errors.New("no channel"),
		}
	}
	return t, nil
}

type harness struct {
	store    *store.Store
	pub      *events.Publisher
	locator  mapLocator
	router   *gin.Engine
	serverFs afero.Fs
	d1Fs     afero.Fs
}

func newHarness(t *testing.T) *harness {
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	serverFs := afero.NewMemMapFs()
	d1Fs := afero.NewMemMapFs()
	locator := mapLocator{
		models.LocationServer: transport.NewLocal(serverFs),
		"D1":                  transport.NewLocal(d1Fs),
	}

	pub := events.NewPublisher()
	orch := orchestrator.New(s, locator, pub)
	sched := scheduler.New(s, orch, clockwork.NewRealClock())

	server := New(s, sched, pub, serverFs, "/srv/storage")
	return &harness{
		store:    s,
		pub:      pub,
		locator:  locator,
		router:   server.Router(),
		serverFs: serverFs,
		d1Fs:     d1Fs,
	}
}

func (h *harness) request(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}

func testJob() *models.SyncJob {
	return &models.SyncJob{
		Name:       "distribute app.conf",
		Mode:       models.ModePush,
		SourcePath: "/cfg/app.conf",
		Schedule:   models.ScheduleManual,
		Enabled:    true,
		Destinations: []models.Destination{
			{DeviceID: "D1", Path: "/etc/app.conf", Enabled: true},
		},
	}
}

func TestJobCRUD(t *testing.T) {
	h := newHarness(t)

	w := h.request(t, "POST", "/api/sync/jobs", testJob())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created models.SyncJob
	decode(t, w, &created)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, models.PolicyLatestWins, created.ConflictPolicy)

	w = h.request(t, "GET", "/api/sync/jobs/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = h.request(t, "GET", "/api/sync/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listed []models.SyncJob
	decode(t, w, &listed)
	require.Len(t, listed, 1)

	created.Name = "renamed"
	w = h.request(t, "PUT", "/api/sync/jobs/"+created.ID, created)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = h.request(t, "GET", "/api/sync/jobs/"+created.ID, nil)
	var fetched models.SyncJob
	decode(t, w, &fetched)
	assert.Equal(t, "renamed", fetched.Name)

	w = h.request(t, "DELETE", "/api/sync/jobs/"+created.ID, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = h.request(t, "GET", "/api/sync/jobs/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestValidationErrors(t *testing.T) {
	h := newHarness(t)

	job := testJob()
	job.Mode = "broadcast"
	w := h.request(t, "POST", "/api/sync/jobs", job)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	job = testJob()
	job.Destinations = nil
	w = h.request(t, "POST", "/api/sync/jobs", job)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.request(t, "POST", "/api/sync/jobs", "not a job")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTriggerAndHistory(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, afero.WriteFile(h.serverFs, "/cfg/app.conf", []byte("conf"), 0644))

	var job models.SyncJob
	w := h.request(t, "POST", "/api/sync/jobs", testJob())
	require.Equal(t, http.StatusCreated, w.Code)
	decode(t, w, &job)

	w = h.request(t, "POST", "/api/sync/jobs/"+job.ID+"/trigger", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var run models.SyncRun
	decode(t, w, &run)
	assert.Equal(t, models.TriggerManual, run.Trigger)

	require.Eventually(t, func() bool {
		stored, err := h.store.GetRun(run.ID)
		return err == nil && stored.Status == models.RunCompleted
	}, 5*time.Second, 10*time.Millisecond)

	contents, err := afero.ReadFile(h.d1Fs, "/etc/app.conf")
	require.NoError(t, err)
	assert.Equal(t, "conf", string(contents))

	w = h.request(t, "GET", "/api/sync/jobs/"+job.ID+"/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var runs []models.SyncRun
	decode(t, w, &runs)
	require.Len(t, runs, 1)

	w = h.request(t, "GET", "/api/sync/runs/"+run.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.request(t, "POST", "/api/sync/jobs/missing/trigger", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// blockingTransport hangs every write until the run is cancelled.
type blockingTransport struct {
	transport.Transport
}

func (b *blockingTransport) WriteFile(ctx context.Context, path string,
	r io.Reader, modTime time.Time) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestTriggerBusyAndCancel(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, afero.WriteFile(h.serverFs, "/cfg/app.conf", []byte("conf"), 0644))
	h.locator["D1"] = &blockingTransport{Transport: h.locator["D1"]}

	var job models.SyncJob
	w := h.request(t, "POST", "/api/sync/jobs", testJob())
	require.Equal(t, http.StatusCreated, w.Code)
	decode(t, w, &job)

	w = h.request(t, "POST", "/api/sync/jobs/"+job.ID+"/trigger", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	var run models.SyncRun
	decode(t, w, &run)

	// A second trigger while the first run is active is rejected.
	w = h.request(t, "POST", "/api/sync/jobs/"+job.ID+"/trigger", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.request(t, "POST", "/api/sync/runs/"+run.ID+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		stored, err := h.store.GetRun(run.ID)
		return err == nil && stored.Status == models.RunCancelled
	}, 5*time.Second, 10*time.Millisecond)

	w = h.request(t, "POST", "/api/sync/runs/"+run.ID+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConflictEndpoints(t *testing.T) {
	h := newHarness(t)

	var job models.SyncJob
	w := h.request(t, "POST", "/api/sync/jobs", testJob())
	require.Equal(t, http.StatusCreated, w.Code)
	decode(t, w, &job)

	require.NoError(t, h.store.AddConflict(&models.ConflictRecord{
		JobID:      job.ID,
		Path:       "notes.txt",
		Resolution: "deferred",
	}))

	w = h.request(t, "GET", "/api/sync/conflicts?jobId="+job.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var conflicts []models.ConflictRecord
	decode(t, w, &conflicts)
	require.Len(t, conflicts, 1)

	w = h.request(t, "DELETE", "/api/sync/conflicts", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.request(t, "DELETE", "/api/sync/conflicts?jobId="+job.ID, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = h.request(t, "GET", "/api/sync/conflicts?jobId="+job.ID, nil)
	decode(t, w, &conflicts)
	assert.Empty(t, conflicts)
}

func TestUploadAndDistribute(t *testing.T) {
	h := newHarness(t)

	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	part, err := form.CreateFormFile("file", "patch.zip")
	require.NoError(t, err)
	_, err = part.Write([]byte("patch-bytes"))
	require.NoError(t, err)

	jobSpec, err := json.Marshal(map[string]interface{}{
		"name": "distribute patch",
		"destinations": []models.Destination{
			{DeviceID: "D1", Path: "/patches/patch.zip", Enabled: true},
		},
	})
	require.NoError(t, err)
	require.NoError(t, form.WriteField("job", string(jobSpec)))
	require.NoError(t, form.Close())

	req := httptest.NewRequest("POST", "/api/sync/upload", &body)
	req.Header.Set("Content-Type", form.FormDataContentType())
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Job models.SyncJob `json:"job"`
		Run models.SyncRun `json:"run"`
	}
	decode(t, w, &resp)
	assert.Equal(t, models.ModePush, resp.Job.Mode)
	assert.True(t, strings.HasPrefix(resp.Job.SourcePath, "/srv/storage/"))

	require.Eventually(t, func() bool {
		stored, err := h.store.GetRun(resp.Run.ID)
		return err == nil && stored.Status == models.RunCompleted
	}, 5*time.Second, 10*time.Millisecond)

	contents, err := afero.ReadFile(h.d1Fs, "/patches/patch.zip")
	require.NoError(t, err)
	assert.Equal(t, "patch-bytes", string(contents))
}

func TestEventStream(t *testing.T) {
	h := newHarness(t)

	server := httptest.NewServer(h.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/sync/events"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer ws.Close()

	// Give the handler a beat to subscribe before publishing.
	require.Eventually(t, func() bool {
		h.pub.Publish(events.Event{Type: events.TypeRunStarted, JobID: "j1", RunID: "r1"})

		ws.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		var event events.Event
		if err := ws.ReadJSON(&event); err != nil {
			return false
		}
		return event.Type == events.TypeRunStarted && event.RunID == "r1"
	}, 5*time.Second, 50*time.Millisecond)
}
