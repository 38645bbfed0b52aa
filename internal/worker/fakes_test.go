package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"callpipe/internal/ai"
	"callpipe/internal/meetingbot"
	"callpipe/internal/models"
	"callpipe/internal/objectstore"
	"callpipe/internal/store"
	"callpipe/internal/transcript"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeStore is an in-memory stand-in for *store.Store covering the slices the
// handlers use.
type fakeStore struct {
	callStatus  map[string]string
	calls       map[string]models.Call
	recordings  map[string]models.Recording
	deleted     map[string]bool
	assets      map[string]models.MediaAsset
	jobs        []models.Job
	dedupe      map[string]bool
	transcripts map[string]models.Transcript // callID -> latest
	segments    map[string][]models.Segment  // transcriptID -> segments
	frameworks  map[string]*models.Framework // callID -> framework
	saved       []store.SaveAnalysisParams
	events      map[string]string // callID -> recording id from recording.done

	createTranscriptCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		callStatus:  make(map[string]string),
		calls:       make(map[string]models.Call),
		recordings:  make(map[string]models.Recording),
		deleted:     make(map[string]bool),
		assets:      make(map[string]models.MediaAsset),
		dedupe:      make(map[string]bool),
		transcripts: make(map[string]models.Transcript),
		segments:    make(map[string][]models.Segment),
		frameworks:  make(map[string]*models.Framework),
		events:      make(map[string]string),
	}
}

func (f *fakeStore) SetCallStatus(_ context.Context, id, status string) error {
	f.callStatus[id] = status
	return nil
}

func (f *fakeStore) UpsertRecording(_ context.Context, callID, providerRecordingID string, manifest json.RawMessage) (models.Recording, error) {
	rec, ok := f.recordings[providerRecordingID]
	if !ok {
		rec = models.Recording{
			ID:                  uuid.New().String(),
			CallID:              callID,
			ProviderRecordingID: providerRecordingID,
			CreatedAt:           time.Now(),
		}
	}
	rec.Manifest = manifest
	f.recordings[providerRecordingID] = rec
	return rec, nil
}

func (f *fakeStore) LatestRecordingForCall(_ context.Context, callID string) (*models.Recording, error) {
	for _, rec := range f.recordings {
		if rec.CallID == callID {
			r := rec
			return &r, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) MarkRecordingDeleted(_ context.Context, providerRecordingID string) error {
	f.deleted[providerRecordingID] = true
	return nil
}

func (f *fakeStore) FindMediaAsset(_ context.Context, bucket, path string) (*models.MediaAsset, error) {
	if a, ok := f.assets[bucket+"/"+path]; ok {
		asset := a
		return &asset, nil
	}
	return nil, nil
}

func (f *fakeStore) UpsertMediaAsset(_ context.Context, p store.UpsertMediaAssetParams) (models.MediaAsset, error) {
	now := time.Now()
	asset := models.MediaAsset{
		ID:          uuid.New().String(),
		CallID:      p.CallID,
		Kind:        p.Kind,
		Bucket:      p.Bucket,
		Path:        p.Path,
		ContentType: p.ContentType,
		SizeBytes:   p.SizeBytes,
		ETag:        p.ETag,
		VerifiedAt:  &now,
	}
	f.assets[p.Bucket+"/"+p.Path] = asset
	return asset, nil
}

func (f *fakeStore) MediaAssetsForCall(_ context.Context, callID string) ([]models.MediaAsset, error) {
	var out []models.MediaAsset
	for _, a := range f.assets {
		if a.CallID == callID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) Enqueue(_ context.Context, p store.EnqueueParams) (*models.Job, error) {
	if p.DedupeKey != "" && f.dedupe[p.DedupeKey] {
		return nil, nil
	}
	if p.DedupeKey != "" {
		f.dedupe[p.DedupeKey] = true
	}
	payload, _ := json.Marshal(p.Payload)
	job := models.Job{
		ID:       uuid.New().String(),
		TenantID: p.TenantID,
		CallID:   p.CallID,
		Type:     p.Type,
		Payload:  payload,
		Status:   models.JobPending,
		RunAt:    p.RunAt,
	}
	f.jobs = append(f.jobs, job)
	return &job, nil
}

func (f *fakeStore) jobsOfType(jobType string) []models.Job {
	var out []models.Job
	for _, j := range f.jobs {
		if j.Type == jobType {
			out = append(out, j)
		}
	}
	return out
}

func (f *fakeStore) LatestTranscript(_ context.Context, callID string) (*models.Transcript, error) {
	if t, ok := f.transcripts[callID]; ok {
		tr := t
		return &tr, nil
	}
	return nil, nil
}

func (f *fakeStore) SegmentCount(_ context.Context, transcriptID string) (int, error) {
	return len(f.segments[transcriptID]), nil
}

func (f *fakeStore) SegmentsForCall(_ context.Context, callID string) ([]models.Segment, error) {
	t, ok := f.transcripts[callID]
	if !ok {
		return nil, nil
	}
	return f.segments[t.ID], nil
}

func (f *fakeStore) CreateTranscript(_ context.Context, callID string, doc transcript.Document) (models.Transcript, error) {
	f.createTranscriptCalls++
	t := models.Transcript{ID: uuid.New().String(), CallID: callID, CreatedAt: time.Now()}
	f.transcripts[callID] = t
	var segs []models.Segment
	for i, s := range doc.Segments {
		segs = append(segs, models.Segment{
			ID:           uuid.New().String(),
			TranscriptID: t.ID,
			Position:     i,
			Speaker:      s.Speaker,
			Role:         s.Role,
			StartMS:      s.StartMS,
			EndMS:        s.EndMS,
			Text:         s.Text,
		})
	}
	f.segments[t.ID] = segs
	return t, nil
}

func (f *fakeStore) FrameworkForCall(_ context.Context, callID string) (*models.Framework, error) {
	return f.frameworks[callID], nil
}

func (f *fakeStore) SaveAnalysis(_ context.Context, p store.SaveAnalysisParams) error {
	f.saved = append(f.saved, p)
	return nil
}

func (f *fakeStore) LatestRecordingEvent(_ context.Context, callID string) (string, error) {
	return f.events[callID], nil
}

func (f *fakeStore) StuckCalls(_ context.Context, _ time.Duration) ([]models.Call, error) {
	var out []models.Call
	for _, c := range f.calls {
		if c.Status == models.CallProcessing || c.Status == models.CallInProgress {
			out = append(out, c)
		}
	}
	return out, nil
}

// fakeProvider is an in-memory meeting-bot provider.
type fakeProvider struct {
	manifest     meetingbot.Manifest
	artifacts    map[string][]byte
	fetchCount   int
	deleteCount  int
	manifestErrs int
}

func (f *fakeProvider) GetRecordingManifest(_ context.Context, recordingID string) (meetingbot.Manifest, error) {
	if f.manifestErrs > 0 {
		f.manifestErrs--
		return meetingbot.Manifest{}, fmt.Errorf("provider unavailable")
	}
	m := f.manifest
	if m.Raw == nil {
		m.Raw = json.RawMessage(`{"id":"` + recordingID + `"}`)
	}
	return m, nil
}

func (f *fakeProvider) DeleteRecording(_ context.Context, _ string) error {
	f.deleteCount++
	return nil
}

func (f *fakeProvider) FetchArtifact(_ context.Context, url string) (io.ReadCloser, string, error) {
	f.fetchCount++
	data, ok := f.artifacts[url]
	if !ok {
		return nil, "", fmt.Errorf("artifact %s not found", url)
	}
	return io.NopCloser(bytes.NewReader(data)), "application/octet-stream", nil
}

// fakeObjects is an in-memory object store.
type fakeObjects struct {
	objects     map[string][]byte
	uploadCount int
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte)}
}

func (f *fakeObjects) UploadStream(_ context.Context, bucket, key string, body io.Reader, _ string) (string, error) {
	f.uploadCount++
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	f.objects[bucket+"/"+key] = data
	return `"etag-fake"`, nil
}

func (f *fakeObjects) HeadObject(_ context.Context, bucket, key string) (objectstore.ObjectInfo, error) {
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return objectstore.ObjectInfo{}, fmt.Errorf("object %s/%s not found", bucket, key)
	}
	return objectstore.ObjectInfo{
		ContentType: "application/octet-stream",
		SizeBytes:   int64(len(data)),
		ETag:        `"etag-fake"`,
	}, nil
}

func (f *fakeObjects) DownloadToBuffer(_ context.Context, bucket, key string) ([]byte, error) {
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("object %s/%s not found", bucket, key)
	}
	return data, nil
}

// fakeCompleter returns canned strict-JSON payloads keyed by schema name.
type fakeCompleter struct {
	responses map[string]string
	models    []string
}

func (f *fakeCompleter) Complete(_ context.Context, model string, _ []ai.Message, schema ai.Schema, out any) error {
	f.models = append(f.models, model)
	resp, ok := f.responses[schema.Name]
	if !ok {
		return fmt.Errorf("no canned response for schema %s", schema.Name)
	}
	if err := json.Unmarshal([]byte(resp), out); err != nil {
		return fmt.Errorf("%w: %v", ai.ErrBadResponse, err)
	}
	return nil
}
