package pipeline

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eunmann/tlc-sync/pkg/columnar"
	"github.com/eunmann/tlc-sync/pkg/fetch"
	"github.com/eunmann/tlc-sync/pkg/objstore"
	"github.com/eunmann/tlc-sync/pkg/tripdata"
)

const testRoot = "https://files.example.com/releases/download"

type fakeFetcher struct {
	fail  map[string]error
	calls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url, dest string) (int64, error) {
	f.calls = append(f.calls, url)
	if err := f.fail[url]; err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}
	body := []byte("archive:" + url)
	return int64(len(body)), os.WriteFile(dest, body, 0o644)
}

type fakeTransformer struct {
	fail  error
	calls []string
}

func (f *fakeTransformer) Transform(_ context.Context, src, dst string) (columnar.Stats, error) {
	f.calls = append(f.calls, src)
	if _, err := os.Stat(src); err != nil {
		return columnar.Stats{}, err
	}
	if f.fail != nil {
		return columnar.Stats{}, f.fail
	}
	if err := os.WriteFile(dst, []byte("PAR1"), 0o644); err != nil {
		return columnar.Stats{}, err
	}
	return columnar.Stats{Rows: 1, Columns: 1, Bytes: 4}, nil
}

type fakeStore struct {
	keys      []string
	listErr   error
	listCalls int
	listedFor []string
	putErr    map[string]error
	puts      []string
	onPut     func(key, localPath string)
}

func (s *fakeStore) List(_ context.Context, prefix string) ([]string, error) {
	s.listCalls++
	s.listedFor = append(s.listedFor, prefix)
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []string
	for _, k := range s.keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *fakeStore) Put(_ context.Context, key, localPath string) error {
	if s.onPut != nil {
		s.onPut(key, localPath)
	}
	if err := s.putErr[key]; err != nil {
		return err
	}
	if _, err := os.Stat(localPath); err != nil {
		return err
	}
	s.puts = append(s.puts, key)
	s.keys = append(s.keys, key)
	return nil
}

func newTestPipeline(t *testing.T, cfg Config, f Fetcher, tr Transformer, s Store) *Pipeline {
	t.Helper()
	if cfg.SourceRootURL == "" {
		cfg.SourceRootURL = testRoot
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = t.TempDir()
	}
	p, err := New(cfg, f, tr, s)
	require.NoError(t, err)
	return p
}

func assertStagingEmpty(t *testing.T, dir string) {
	t.Helper()
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, files, "staging files left behind")
}

func archiveURL(service string, year, month int) string {
	return fmt.Sprintf("%s/%s/%s_tripdata_%d-%02d.csv.gz", testRoot, service, service, year, month)
}

func TestRunBatch_PublishesOriginalArchive(t *testing.T) {
	staging := t.TempDir()
	fetcher := &fakeFetcher{}
	store := &fakeStore{}
	p := newTestPipeline(t, Config{StagingDir: staging, Months: []int{3}}, fetcher, nil, store)

	report, err := p.RunBatch(context.Background(), Batch{Service: tripdata.ServiceGreen, Year: 2019})
	require.NoError(t, err)

	assert.Equal(t, []string{"https://files.example.com/releases/download/green/green_tripdata_2019-03.csv.gz"}, fetcher.calls)
	assert.Equal(t, []string{"green/green_tripdata_2019-03.csv.gz"}, store.puts)
	require.Len(t, report.Results, 1)
	assert.Equal(t, StatePublished, report.Results[0].State)
	assert.Equal(t, "green/green_tripdata_2019-03.csv.gz", report.Results[0].Key)
	assert.Positive(t, report.BytesPublished())
	assertStagingEmpty(t, staging)
}

func TestRunBatch_SnapshotGatesUnits(t *testing.T) {
	fetcher := &fakeFetcher{}
	store := &fakeStore{keys: []string{"green/green_tripdata_2019-01.csv.gz"}}
	p := newTestPipeline(t, Config{Months: []int{1, 2}}, fetcher, nil, store)

	report, err := p.RunBatch(context.Background(), Batch{Service: tripdata.ServiceGreen, Year: 2019})
	require.NoError(t, err)

	assert.Equal(t, 1, store.listCalls, "catalog is listed once per batch")
	assert.Equal(t, []string{"green/"}, store.listedFor)
	assert.Equal(t, []string{archiveURL("green", 2019, 2)}, fetcher.calls)
	assert.Equal(t, StateSkipped, report.Results[0].State)
	assert.Equal(t, StatePublished, report.Results[1].State)
}

func TestRunBatch_SkippedUnitsMakeNoStageCalls(t *testing.T) {
	var keys []string
	for m := 1; m <= 12; m++ {
		keys = append(keys, fmt.Sprintf("yellow/yellow_tripdata_2020-%02d.parquet", m))
	}
	fetcher := &fakeFetcher{}
	transformer := &fakeTransformer{}
	store := &fakeStore{keys: keys}
	p := newTestPipeline(t, Config{Format: tripdata.FormatParquet}, fetcher, transformer, store)

	report, err := p.RunBatch(context.Background(), Batch{Service: tripdata.ServiceYellow, Year: 2020})
	require.NoError(t, err)

	assert.Empty(t, fetcher.calls)
	assert.Empty(t, transformer.calls)
	assert.Empty(t, store.puts)
	assert.Equal(t, 12, report.Count(StateSkipped))
}

func TestRunBatch_OverwriteIsIdempotent(t *testing.T) {
	fetcher := &fakeFetcher{}
	store := &fakeStore{keys: []string{"green/green_tripdata_2020-01.csv.gz"}}
	p := newTestPipeline(t, Config{Overwrite: true, Months: []int{1, 2}}, fetcher, nil, store)
	batch := Batch{Service: tripdata.ServiceGreen, Year: 2020}

	first, err := p.RunBatch(context.Background(), batch)
	require.NoError(t, err)
	firstPuts := append([]string(nil), store.puts...)

	store.puts = nil
	second, err := p.RunBatch(context.Background(), batch)
	require.NoError(t, err)

	assert.Zero(t, store.listCalls, "overwrite never lists the catalog")
	assert.Equal(t, 2, first.Count(StatePublished))
	assert.Equal(t, 2, second.Count(StatePublished))
	assert.Equal(t, firstPuts, store.puts)
	assert.Len(t, fetcher.calls, 4)
}

func TestRunBatch_FetchFailureIsIsolated(t *testing.T) {
	staging := t.TempDir()
	failURL := archiveURL("green", 2019, 2)
	fetcher := &fakeFetcher{fail: map[string]error{
		failURL: &fetch.TransferError{URL: failURL, StatusCode: http.StatusNotFound, Err: errors.New("404 Not Found")},
	}}
	transformer := &fakeTransformer{}
	store := &fakeStore{}
	p := newTestPipeline(t, Config{StagingDir: staging, Format: tripdata.FormatParquet, Months: []int{1, 2, 3}}, fetcher, transformer, store)

	report, err := p.RunBatch(context.Background(), Batch{Service: tripdata.ServiceGreen, Year: 2019})
	require.NoError(t, err)

	assert.Len(t, fetcher.calls, 3)
	assert.Len(t, transformer.calls, 2, "failed fetch must not reach transform")
	assert.Equal(t, []string{
		"green/green_tripdata_2019-01.parquet",
		"green/green_tripdata_2019-03.parquet",
	}, store.puts)

	failed := report.Failures()
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].Unit.Month)
	assert.Equal(t, StageFetch, failed[0].FailedStage)

	var te *fetch.TransferError
	require.True(t, errors.As(failed[0].Err, &te))
	assert.Equal(t, http.StatusNotFound, te.StatusCode)
	assertStagingEmpty(t, staging)
}

func TestRunBatch_ArchiveRemovedBeforePublish(t *testing.T) {
	staging := t.TempDir()
	archive := filepath.Join(staging, "green", "green_tripdata_2019-03.csv.gz")

	var published string
	store := &fakeStore{onPut: func(key, localPath string) {
		published = localPath
		assert.NoFileExists(t, archive, "raw archive must be gone before publish")
		assert.FileExists(t, localPath)
	}}
	p := newTestPipeline(t, Config{StagingDir: staging, Format: tripdata.FormatParquet, Months: []int{3}}, &fakeFetcher{}, &fakeTransformer{}, store)

	report, err := p.RunBatch(context.Background(), Batch{Service: tripdata.ServiceGreen, Year: 2019})
	require.NoError(t, err)

	assert.Equal(t, []string{"green/green_tripdata_2019-03.parquet"}, store.puts)
	assert.Equal(t, filepath.Join(staging, "green", "green_tripdata_2019-03.parquet"), published)
	assert.Equal(t, StatePublished, report.Results[0].State)
	assertStagingEmpty(t, staging)
}

func TestRunBatch_TransformFailure(t *testing.T) {
	staging := t.TempDir()
	transformer := &fakeTransformer{fail: &columnar.TransformError{Path: "x.csv.gz", Line: 12, Column: "fare_amount", Err: errors.New("bad float")}}
	store := &fakeStore{}
	p := newTestPipeline(t, Config{StagingDir: staging, Format: tripdata.FormatParquet, Months: []int{1, 2}}, &fakeFetcher{}, transformer, store)

	report, err := p.RunBatch(context.Background(), Batch{Service: tripdata.ServiceGreen, Year: 2019})
	require.NoError(t, err)

	assert.Empty(t, store.puts)
	assert.Equal(t, 2, report.Count(StateFailed))
	assert.Equal(t, StageTransform, report.Results[0].FailedStage)

	var te *columnar.TransformError
	assert.True(t, errors.As(report.Results[0].Err, &te))
	assertStagingEmpty(t, staging)
}

func TestRunBatch_PublishFailure(t *testing.T) {
	staging := t.TempDir()
	key := "green/green_tripdata_2019-01.csv.gz"
	store := &fakeStore{putErr: map[string]error{
		key: &objstore.PublishError{Store: "gs://lake", Key: key, Err: errors.New("403 Forbidden")},
	}}
	p := newTestPipeline(t, Config{StagingDir: staging, Months: []int{1, 2}}, &fakeFetcher{}, nil, store)

	report, err := p.RunBatch(context.Background(), Batch{Service: tripdata.ServiceGreen, Year: 2019})
	require.NoError(t, err)

	assert.Equal(t, StateFailed, report.Results[0].State)
	assert.Equal(t, StagePublish, report.Results[0].FailedStage)
	var pe *objstore.PublishError
	assert.True(t, errors.As(report.Results[0].Err, &pe))

	assert.Equal(t, StatePublished, report.Results[1].State)
	assert.Equal(t, []string{"green/green_tripdata_2019-02.csv.gz"}, store.puts)
	assertStagingEmpty(t, staging)
}

func TestRunBatch_CatalogFailureAbortsBatch(t *testing.T) {
	boom := errors.New("permission denied")
	fetcher := &fakeFetcher{}
	p := newTestPipeline(t, Config{}, fetcher, nil, &fakeStore{listErr: boom})

	report, err := p.RunBatch(context.Background(), Batch{Service: tripdata.ServiceGreen, Year: 2019})
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, report)
	assert.Empty(t, fetcher.calls)
}

func TestRunBatch_InvalidBatch(t *testing.T) {
	p := newTestPipeline(t, Config{}, &fakeFetcher{}, nil, &fakeStore{})

	_, err := p.RunBatch(context.Background(), Batch{Service: "purple", Year: 2019})
	assert.ErrorIs(t, err, tripdata.ErrUnknownService)

	_, err = p.RunBatch(context.Background(), Batch{Service: tripdata.ServiceGreen, Year: 19})
	assert.ErrorIs(t, err, tripdata.ErrInvalidYear)
}

func TestRunBatch_RemovesStaleTmpFiles(t *testing.T) {
	staging := t.TempDir()
	stale := filepath.Join(staging, "green", "green_tripdata_2018-12.csv.gz.tmp")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o644))

	p := newTestPipeline(t, Config{StagingDir: staging, Months: []int{1}}, &fakeFetcher{}, nil, &fakeStore{})
	_, err := p.RunBatch(context.Background(), Batch{Service: tripdata.ServiceGreen, Year: 2019})
	require.NoError(t, err)

	assert.NoFileExists(t, stale)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{SourceRootURL: testRoot, StagingDir: t.TempDir(), Format: tripdata.FormatParquet}, &fakeFetcher{}, nil, &fakeStore{})
	assert.Error(t, err, "parquet without transformer")

	_, err = New(Config{SourceRootURL: testRoot, StagingDir: t.TempDir(), Months: []int{13}}, &fakeFetcher{}, nil, &fakeStore{})
	assert.ErrorIs(t, err, tripdata.ErrInvalidMonth)

	_, err = New(Config{SourceRootURL: testRoot, StagingDir: t.TempDir(), Format: "avro"}, &fakeFetcher{}, nil, &fakeStore{})
	assert.ErrorIs(t, err, tripdata.ErrUnknownFormat)

	_, err = New(Config{StagingDir: t.TempDir()}, &fakeFetcher{}, nil, &fakeStore{})
	assert.Error(t, err)

	p, err := New(Config{SourceRootURL: testRoot, StagingDir: t.TempDir(), Months: []int{3, 1, 3}, Format: "columnar"}, &fakeFetcher{}, &fakeTransformer{}, &fakeStore{})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, p.Config().Months)
	assert.Equal(t, tripdata.FormatParquet, p.Config().Format)

	p, err = New(Config{SourceRootURL: testRoot, StagingDir: t.TempDir()}, &fakeFetcher{}, nil, &fakeStore{})
	require.NoError(t, err)
	assert.Equal(t, tripdata.AllMonths(), p.Config().Months)
	assert.Equal(t, tripdata.FormatOriginal, p.Config().Format)
}

func TestUnitState(t *testing.T) {
	assert.True(t, StatePublished.Terminal())
	assert.True(t, StateSkipped.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateFetched.Terminal())

	assert.Equal(t, StageFetch, StatePending.nextStage(tripdata.FormatParquet))
	assert.Equal(t, StageTransform, StateFetched.nextStage(tripdata.FormatParquet))
	assert.Equal(t, StagePublish, StateFetched.nextStage(tripdata.FormatOriginal))
	assert.Equal(t, StagePublish, StateTransformed.nextStage(tripdata.FormatParquet))
}

// TestRunBatch_EndToEnd drives real fetch, transform and local publish
// against an httptest source host.
func TestRunBatch_EndToEnd(t *testing.T) {
	csv := "VendorID,lpep_pickup_datetime,trip_distance,fare_amount\n" +
		"2,2019-01-01 00:10:16,1.5,7.5\n" +
		"1,2019-01-01 00:27:11,3.2,12\n"

	mux := http.NewServeMux()
	mux.HandleFunc("/green/green_tripdata_2019-01.csv.gz", func(w http.ResponseWriter, _ *http.Request) {
		zw := gzip.NewWriter(w)
		_, _ = zw.Write([]byte(csv))
		_ = zw.Close()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	staging := t.TempDir()
	store, err := objstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	p, err := New(Config{
		SourceRootURL: srv.URL,
		StagingDir:    staging,
		Format:        tripdata.FormatParquet,
		Months:        []int{1, 2},
	}, fetch.New(fetch.Config{}), columnar.NewTransformer(columnar.CSVOptions{}), store)
	require.NoError(t, err)

	report, err := p.RunBatch(context.Background(), Batch{Service: tripdata.ServiceGreen, Year: 2019})
	require.NoError(t, err)

	assert.Equal(t, StatePublished, report.Results[0].State)
	assert.Equal(t, StateFailed, report.Results[1].State)
	var te *fetch.TransferError
	require.True(t, errors.As(report.Results[1].Err, &te))
	assert.Equal(t, http.StatusNotFound, te.StatusCode)

	keys, err := store.List(context.Background(), "green/")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"green/green_tripdata_2019-01.parquet"}, keys)

	table, err := columnar.OpenParquet(filepath.Join(store.Root(), "green", "green_tripdata_2019-01.parquet"))
	require.NoError(t, err)
	defer table.Close()
	assert.Equal(t, int64(2), table.NumRows())
	assertStagingEmpty(t, staging)

	// A second run finds month 1 in the catalog and retries only month 2
	again, err := p.RunBatch(context.Background(), Batch{Service: tripdata.ServiceGreen, Year: 2019})
	require.NoError(t, err)
	assert.Equal(t, StateSkipped, again.Results[0].State)
	assert.Equal(t, StateFailed, again.Results[1].State)
}
