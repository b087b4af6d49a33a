package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	ocrerrors "github.com/adverant/nexus/vision-ocr/internal/errors"
	"github.com/adverant/nexus/vision-ocr/internal/ocr"
	"github.com/adverant/nexus/vision-ocr/internal/processor"
	"github.com/adverant/nexus/vision-ocr/internal/queue"
	"github.com/adverant/nexus/vision-ocr/internal/storage"
)

const testJobID = "5a1f0c3e-9b2d-4f6a-8e7c-1d2b3a4c5e6f"

type fakeEngine struct {
	extractErr error
	result     *ocr.OCRResult
	lastInput  interface{}
	lastOpts   processor.ExtractOptions
	regions    []ocr.Region
	report     *processor.TestReport
}

func (f *fakeEngine) ExtractText(ctx context.Context, input interface{}, opts processor.ExtractOptions) (*ocr.Extraction, error) {
	f.lastInput, f.lastOpts = input, opts
	if f.extractErr != nil {
		return nil, f.extractErr
	}
	if opts.Format == ocr.FormatText {
		return &ocr.Extraction{Format: ocr.FormatText, Text: "Hello"}, nil
	}
	if f.result != nil {
		return &ocr.Extraction{Format: ocr.FormatJSON, Result: f.result}, nil
	}
	return &ocr.Extraction{Format: ocr.FormatJSON, Result: &ocr.OCRResult{
		RawText:  "Hello",
		Elements: []ocr.OCRTextElement{{Text: "Hello", Confidence: 95}},
		Metadata: ocr.ResultMetadata{TotalElements: 1, AverageConfidence: 95},
	}}, nil
}

func (f *fakeEngine) ExtractFromRegions(ctx context.Context, input interface{}, regions []ocr.Region, opts processor.ExtractOptions) ([]ocr.RegionItem, error) {
	f.regions = regions
	items := make([]ocr.RegionItem, len(regions))
	for i := range regions {
		items[i] = ocr.RegionItem{Extraction: &ocr.Extraction{Format: ocr.FormatText, Text: "r"}}
	}
	return items, nil
}

func (f *fakeEngine) GetAvailableModels() []string { return []string{"gpt-4o", "gpt-4o-mini"} }
func (f *fakeEngine) Provider() string             { return "openai" }
func (f *fakeEngine) Model() string                { return "gpt-4o" }

func (f *fakeEngine) Test(ctx context.Context) *processor.TestReport {
	return f.report
}

type fakeJobs struct {
	records   map[string]*storage.JobRecord
	updates   []storage.JobUpdate
	healthErr error
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{records: make(map[string]*storage.JobRecord)}
}

func (f *fakeJobs) CreateJob(ctx context.Context, kind string, metadata map[string]interface{}) (*storage.JobRecord, error) {
	r := &storage.JobRecord{ID: testJobID, Kind: kind, Status: storage.StatusQueued, Metadata: metadata}
	f.records[r.ID] = r
	return r, nil
}

func (f *fakeJobs) UpdateJobStatus(ctx context.Context, u *storage.JobUpdate) (*storage.JobRecord, error) {
	f.updates = append(f.updates, *u)
	r := f.records[u.JobID]
	r.Status = u.Status
	return r, nil
}

func (f *fakeJobs) GetJob(ctx context.Context, id string) (*storage.JobRecord, error) {
	r, ok := f.records[id]
	if !ok {
		return nil, storage.ErrJobNotFound
	}
	return r, nil
}

func (f *fakeJobs) HealthCheck(ctx context.Context) error { return f.healthErr }

func (f *fakeJobs) Stats() map[string]interface{} {
	return map[string]interface{}{"cache": true, "openConnections": 3}
}

type fakeQueue struct {
	extracts []*queue.ExtractPayload
	batches  []*queue.BatchPayload
	err      error
}

func (f *fakeQueue) EnqueueExtract(ctx context.Context, p *queue.ExtractPayload) error {
	f.extracts = append(f.extracts, p)
	return f.err
}

func (f *fakeQueue) EnqueueBatch(ctx context.Context, p *queue.BatchPayload) error {
	f.batches = append(f.batches, p)
	return f.err
}

func setupTestRouter(engine Engine, jobs JobStore, q Enqueuer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewRouter(NewHandler(engine, processor.DefaultExtractOptions(), jobs, q))
}

type formFile struct {
	name string
	data []byte
}

func multipartRequest(t *testing.T, path string, files []formFile, fields map[string][]string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for _, f := range files {
		part, err := w.CreateFormFile("image", f.name)
		if err != nil {
			t.Fatal(err)
		}
		part.Write(f.data)
	}
	for k, vs := range fields {
		for _, v := range vs {
			w.WriteField(k, v)
		}
	}
	w.Close()

	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON %q: %v", w.Body.String(), err)
	}
	return resp
}

var pngFile = formFile{name: "scan.png", data: []byte("\x89PNG fake")}

func TestIndexAndHealth(t *testing.T) {
	r := setupTestRouter(&fakeEngine{}, nil, nil)

	w := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte("POST /api/ocr")) {
		t.Errorf("GET / = %d %s", w.Code, w.Body.String())
	}

	w = serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	resp := decode(t, w)
	if resp["status"] != "ok" || resp["provider"] != "openai" || resp["async"] != false {
		t.Errorf("health = %v", resp)
	}
}

func TestHealthDegraded(t *testing.T) {
	jobs := newFakeJobs()
	jobs.healthErr = errors.New("PostgreSQL health check failed")
	r := setupTestRouter(&fakeEngine{}, jobs, &fakeQueue{})

	w := serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable || decode(t, w)["status"] != "degraded" {
		t.Errorf("health = %d %s", w.Code, w.Body.String())
	}
}

func TestExtract(t *testing.T) {
	engine := &fakeEngine{}
	r := setupTestRouter(engine, nil, nil)

	w := serve(r, multipartRequest(t, "/api/ocr", []formFile{pngFile}, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["rawText"] != "Hello" {
		t.Errorf("response = %v", resp)
	}
	if got, ok := engine.lastInput.([]byte); !ok || string(got) != string(pngFile.data) {
		t.Errorf("engine input = %v", engine.lastInput)
	}
	if !engine.lastOpts.IncludeColors || engine.lastOpts.Format != ocr.FormatJSON {
		t.Errorf("default options = %+v", engine.lastOpts)
	}
}

func TestExtractOptions(t *testing.T) {
	engine := &fakeEngine{}
	r := setupTestRouter(engine, nil, nil)

	w := serve(r, multipartRequest(t, "/api/ocr", []formFile{pngFile}, map[string][]string{
		"outputFormat":  {"text"},
		"includeColors": {"false"},
		"customPrompt":  {"Read the receipt"},
	}))
	if w.Code != http.StatusOK || w.Body.String() != `"Hello"` {
		t.Fatalf("got %d %s", w.Code, w.Body.String())
	}
	if engine.lastOpts.IncludeColors || engine.lastOpts.CustomPrompt != "Read the receipt" {
		t.Errorf("options = %+v", engine.lastOpts)
	}
}

func TestExtractBadRequests(t *testing.T) {
	r := setupTestRouter(&fakeEngine{}, nil, nil)

	tests := []struct {
		name   string
		files  []formFile
		fields map[string][]string
	}{
		{"no image", nil, nil},
		{"empty image", []formFile{{name: "a.png"}}, nil},
		{"bad format", []formFile{pngFile}, map[string][]string{"outputFormat": {"xml"}}},
		{"bad includeColors", []formFile{pngFile}, map[string][]string{"includeColors": {"maybe"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(r, multipartRequest(t, "/api/ocr", tt.files, tt.fields))
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestExtractErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"image", ocrerrors.NewOCRExtractionError(ocrerrors.NewImageProcessingError(errors.New("unknown format"))), http.StatusUnprocessableEntity},
		{"model", ocrerrors.NewOCRExtractionError(ocrerrors.NewModelInvocationError(map[string]string{"agent": "x"}, errors.New("x"))), http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := setupTestRouter(&fakeEngine{extractErr: tt.err}, nil, nil)
			w := serve(r, multipartRequest(t, "/api/ocr", []formFile{pngFile}, nil))
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if decode(t, w)["error"] == "" {
				t.Error("error message missing")
			}
		})
	}
}

func TestExtractRegions(t *testing.T) {
	engine := &fakeEngine{}
	r := setupTestRouter(engine, nil, nil)

	w := serve(r, multipartRequest(t, "/api/ocr/regions", []formFile{pngFile}, map[string][]string{
		"regions": {`[{"x":0,"y":0,"width":100,"height":50},{"x":10,"y":60,"width":80,"height":20}]`},
	}))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(engine.regions) != 2 || engine.regions[1].Y != 60 {
		t.Errorf("regions = %+v", engine.regions)
	}
	results, _ := decode(t, w)["results"].([]interface{})
	if len(results) != 2 {
		t.Errorf("results = %v", results)
	}

	w = serve(r, multipartRequest(t, "/api/ocr/regions", []formFile{pngFile}, map[string][]string{"regions": {"[]"}}))
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty regions: expected 400, got %d", w.Code)
	}
}

func TestModelsAndSelfTest(t *testing.T) {
	engine := &fakeEngine{report: &processor.TestReport{Success: true, Provider: "openai", Model: "gpt-4o", ElementsFound: 3}}
	r := setupTestRouter(engine, nil, nil)

	w := serve(r, httptest.NewRequest(http.MethodGet, "/api/models", nil))
	models, _ := decode(t, w)["models"].([]interface{})
	if w.Code != http.StatusOK || len(models) != 2 {
		t.Errorf("models = %d %s", w.Code, w.Body.String())
	}

	w = serve(r, httptest.NewRequest(http.MethodPost, "/api/test", nil))
	if w.Code != http.StatusOK || decode(t, w)["elementsFound"] != float64(3) {
		t.Errorf("test = %d %s", w.Code, w.Body.String())
	}

	engine.report = &processor.TestReport{Success: false, Provider: "openai", Error: "OCR extraction failed: 401"}
	w = serve(r, httptest.NewRequest(http.MethodPost, "/api/test", nil))
	if w.Code != http.StatusServiceUnavailable || decode(t, w)["success"] != false {
		t.Errorf("failed test = %d %s", w.Code, w.Body.String())
	}
}

func TestCreateJob(t *testing.T) {
	jobs, q := newFakeJobs(), &fakeQueue{}
	r := setupTestRouter(&fakeEngine{}, jobs, q)

	w := serve(r, multipartRequest(t, "/api/jobs", []formFile{pngFile}, map[string][]string{"outputFormat": {"text"}}))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["jobId"] != testJobID || resp["kind"] != storage.KindExtract || resp["status"] != storage.StatusQueued {
		t.Errorf("response = %v", resp)
	}
	if len(q.extracts) != 1 || q.extracts[0].Image.Filename != "scan.png" || q.extracts[0].Options.OutputFormat != "text" {
		t.Errorf("enqueued = %+v", q.extracts)
	}
}

func TestCreateBatchJob(t *testing.T) {
	jobs, q := newFakeJobs(), &fakeQueue{}
	r := setupTestRouter(&fakeEngine{}, jobs, q)

	w := serve(r, multipartRequest(t, "/api/jobs", []formFile{pngFile}, map[string][]string{
		"url":         {"https://example.com/receipt.jpg"},
		"concurrency": {"2"},
	}))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if len(q.batches) != 1 {
		t.Fatalf("batches = %d", len(q.batches))
	}
	b := q.batches[0]
	if len(b.Images) != 2 || b.Images[1].URL != "https://example.com/receipt.jpg" || b.Concurrency != 2 {
		t.Errorf("batch = %+v", b)
	}
}

func TestCreateJobErrors(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		r := setupTestRouter(&fakeEngine{}, nil, nil)
		w := serve(r, multipartRequest(t, "/api/jobs", []formFile{pngFile}, nil))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %d", w.Code)
		}
	})

	t.Run("no sources", func(t *testing.T) {
		r := setupTestRouter(&fakeEngine{}, newFakeJobs(), &fakeQueue{})
		w := serve(r, multipartRequest(t, "/api/jobs", nil, map[string][]string{"outputFormat": {"json"}}))
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("bad url", func(t *testing.T) {
		r := setupTestRouter(&fakeEngine{}, newFakeJobs(), &fakeQueue{})
		w := serve(r, multipartRequest(t, "/api/jobs", nil, map[string][]string{"url": {"ftp://example.com/a.png"}}))
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("enqueue failure marks job failed", func(t *testing.T) {
		jobs := newFakeJobs()
		r := setupTestRouter(&fakeEngine{}, jobs, &fakeQueue{err: errors.New("redis down")})
		w := serve(r, multipartRequest(t, "/api/jobs", []formFile{pngFile}, nil))
		if w.Code != http.StatusInternalServerError {
			t.Errorf("expected 500, got %d", w.Code)
		}
		if len(jobs.updates) != 1 || jobs.updates[0].Status != storage.StatusFailed {
			t.Errorf("updates = %+v", jobs.updates)
		}
	})
}

func TestGetJob(t *testing.T) {
	jobs := newFakeJobs()
	jobs.records[testJobID] = &storage.JobRecord{
		ID:     testJobID,
		Kind:   storage.KindExtract,
		Status: storage.StatusCompleted,
		Result: json.RawMessage(`"Hello"`),
	}
	r := setupTestRouter(&fakeEngine{}, jobs, &fakeQueue{})

	w := serve(r, httptest.NewRequest(http.MethodGet, "/api/jobs/"+testJobID, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decode(t, w)
	if resp["status"] != storage.StatusCompleted || resp["result"] != "Hello" {
		t.Errorf("job = %v", resp)
	}

	if got := w.Header().Get("Retry-After"); got != "" {
		t.Errorf("finished job should carry no Retry-After, got %q", got)
	}

	w = serve(r, httptest.NewRequest(http.MethodGet, "/api/jobs/unknown", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown job: expected 404, got %d", w.Code)
	}
}

func TestGetJobPendingSetsRetryAfter(t *testing.T) {
	for _, status := range []string{storage.StatusQueued, storage.StatusProcessing} {
		jobs := newFakeJobs()
		jobs.records[testJobID] = &storage.JobRecord{ID: testJobID, Kind: storage.KindExtract, Status: status}
		r := setupTestRouter(&fakeEngine{}, jobs, &fakeQueue{})

		w := serve(r, httptest.NewRequest(http.MethodGet, "/api/jobs/"+testJobID, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", status, w.Code)
		}
		if got := w.Header().Get("Retry-After"); got != "2" {
			t.Errorf("%s: Retry-After = %q", status, got)
		}
	}
}

func TestHealthReportsStorageStats(t *testing.T) {
	r := setupTestRouter(&fakeEngine{}, newFakeJobs(), &fakeQueue{})

	w := serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	stats, ok := decode(t, w)["storage"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing storage stats: %s", w.Body.String())
	}
	if stats["openConnections"] != float64(3) || stats["cache"] != true {
		t.Errorf("storage = %v", stats)
	}
}

func contactCard() *ocr.OCRResult {
	at := func(text, color string, x, y, confidence float64) ocr.OCRTextElement {
		return ocr.OCRTextElement{Text: text, Color: color, Confidence: confidence,
			Coordinates: ocr.Coordinates{X: x, Y: y, Width: 40, Height: 10}}
	}
	return &ocr.OCRResult{
		RawText: "Jane jane@example.com +1 (555) 123-4567 https://example.com",
		Elements: []ocr.OCRTextElement{
			at("Jane", "#000000", 10, 10, 99),
			at("jane@example.com", "#0000FF", 10, 30, 90),
			at("+1 (555) 123-4567", "#000000", 10, 80, 80),
			at("https://example.com", "#0000FF", 200, 80, 70),
		},
		Metadata: ocr.ResultMetadata{TotalElements: 4, AverageConfidence: 84.75},
	}
}

func TestExtractFiltersElements(t *testing.T) {
	tests := []struct {
		extract string
		want    []string
	}{
		{"emails", []string{"jane@example.com"}},
		{"phones", []string{"+1 (555) 123-4567"}},
		{"URLs", []string{"https://example.com"}},
		{"dates", nil},
	}

	for _, tt := range tests {
		t.Run(tt.extract, func(t *testing.T) {
			r := setupTestRouter(&fakeEngine{result: contactCard()}, nil, nil)

			w := serve(r, multipartRequest(t, "/api/ocr", []formFile{pngFile}, map[string][]string{"extract": {tt.extract}}))
			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
			}
			var result ocr.OCRResult
			if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
				t.Fatal(err)
			}
			if len(result.Elements) != len(tt.want) || result.Metadata.TotalElements != len(tt.want) {
				t.Fatalf("elements = %+v", result.Elements)
			}
			for i, el := range result.Elements {
				if el.Text != tt.want[i] {
					t.Errorf("element %d = %q, want %q", i, el.Text, tt.want[i])
				}
			}
			if !strings.Contains(result.RawText, "Jane") {
				t.Errorf("RawText should be untouched: %q", result.RawText)
			}
		})
	}
}

func TestExtractNearAndGroupBy(t *testing.T) {
	r := setupTestRouter(&fakeEngine{result: contactCard()}, nil, nil)

	fields := map[string][]string{"near": {"12,28"}, "tolerance": {"5"}, "groupBy": {"color"}}
	w := serve(r, multipartRequest(t, "/api/ocr", []formFile{pngFile}, fields))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Result ocr.OCRResult                   `json:"result"`
		Groups map[string][]ocr.OCRTextElement `json:"groups"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Result.Elements) != 1 || resp.Result.Elements[0].Text != "jane@example.com" {
		t.Fatalf("near filter = %+v", resp.Result.Elements)
	}
	if resp.Result.Metadata.AverageConfidence != 90 {
		t.Errorf("AverageConfidence = %v", resp.Result.Metadata.AverageConfidence)
	}
	if len(resp.Groups) != 1 || len(resp.Groups["#0000FF"]) != 1 {
		t.Errorf("groups = %v", resp.Groups)
	}

	fields = map[string][]string{"groupBy": {"region"}, "bandHeight": {"50"}}
	w = serve(r, multipartRequest(t, "/api/ocr", []formFile{pngFile}, fields))
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Groups["0"]) != 2 || len(resp.Groups["1"]) != 2 {
		t.Errorf("region groups = %v", resp.Groups)
	}
}

func TestExtractRejectsBadQuery(t *testing.T) {
	tests := []map[string][]string{
		{"extract": {"faxes"}},
		{"near": {"12"}},
		{"near": {"a,b"}},
		{"tolerance": {"-1"}},
		{"groupBy": {"font"}},
		{"bandHeight": {"0"}},
		{"extract": {"emails"}, "outputFormat": {"text"}},
	}

	for _, fields := range tests {
		engine := &fakeEngine{}
		r := setupTestRouter(engine, nil, nil)

		w := serve(r, multipartRequest(t, "/api/ocr", []formFile{pngFile}, fields))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%v: expected 400, got %d", fields, w.Code)
		}
		if engine.lastInput != nil {
			t.Errorf("%v: engine should not run", fields)
		}
	}
}
