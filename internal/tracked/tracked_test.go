package tracked

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/windlass/windlass/internal/blocklist"
	"github.com/windlass/windlass/internal/decision"
	"github.com/windlass/windlass/internal/downloader"
	"github.com/windlass/windlass/internal/downloader/mock"
	"github.com/windlass/windlass/internal/downloader/types"
	"github.com/windlass/windlass/internal/events"
	"github.com/windlass/windlass/internal/grab"
	"github.com/windlass/windlass/internal/history"
	"github.com/windlass/windlass/internal/importer"
	"github.com/windlass/windlass/internal/library/movies"
	"github.com/windlass/windlass/internal/mediainfo"
	"github.com/windlass/windlass/internal/quality"
	"github.com/windlass/windlass/internal/quality/augment"
	"github.com/windlass/windlass/internal/testutil"
)

type fixture struct {
	svc       *Service
	grab      *grab.Service
	history   *history.Service
	blocklist *blocklist.Service
	movies    *movies.Service
	bus       *events.Bus
	client    *mock.Client
	movie     *movies.Movie
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	ctx := context.Background()

	downloaderSvc := downloader.NewService(tdb.Conn, tdb.Logger)
	poller := downloader.NewPoller(downloaderSvc, time.Second, tdb.Logger)
	historySvc := history.NewService(tdb.Conn, tdb.Logger)
	blocklistSvc := blocklist.NewService(tdb.Conn, tdb.Logger)
	movieSvc := movies.NewService(tdb.Conn, tdb.Logger)
	bus := events.NewBus(tdb.Logger)

	stored, err := downloaderSvc.Create(ctx, downloader.ClientInput{
		Name: "dev", Type: types.ClientTypeMock, Host: "localhost",
		Category: "movies", Enabled: true,
	})
	if err != nil {
		t.Fatalf("Create client: %v", err)
	}
	adapter, err := poller.ClientFor(ctx, stored)
	if err != nil {
		t.Fatalf("ClientFor: %v", err)
	}

	movie, err := movieSvc.Create(ctx, &movies.Movie{
		Title: "Dune", Year: 2021, Path: t.TempDir(), Monitored: true,
	})
	if err != nil {
		t.Fatalf("Create movie: %v", err)
	}

	engine := decision.NewEngine(tdb.Logger,
		decision.SameFileSpec{},
		decision.NotTrailerSpec{},
		decision.GrabbedQualitySpec{},
		decision.FullSeasonSpec{},
	)
	resolver := augment.NewDefaultResolver(tdb.Logger, mediainfo.NoopProber{})
	importSvc := importer.NewService(movieSvc, historySvc, engine, resolver, bus, tdb.Logger)
	grabSvc := grab.NewService(downloaderSvc, poller, blocklistSvc, historySvc, bus, tdb.Logger)

	svc := NewService(poller, downloaderSvc, historySvc, blocklistSvc, movieSvc,
		importSvc, bus, true, tdb.Logger)

	return &fixture{
		svc:       svc,
		grab:      grabSvc,
		history:   historySvc,
		blocklist: blocklistSvc,
		movies:    movieSvc,
		bus:       bus,
		client:    adapter.(*mock.Client),
		movie:     movie,
	}
}

func testRelease() grab.Release {
	return grab.Release{
		Title:       "Dune.2021.1080p.BluRay.x264-GRP",
		DownloadURL: "magnet:?xt=urn:btih:abcdef0123456789abcdef0123456789abcdef01",
		Protocol:    types.ProtocolTorrent,
		Indexer:     "indexer-a",
		InfoHash:    "ABCDEF0123456789ABCDEF0123456789ABCDEF01",
		Size:        4 << 30,
		Quality: quality.Quality{
			Source:     quality.SourceBluray,
			Resolution: quality.Resolution1080,
			Revision:   quality.NewRevision(),
		},
	}
}

// completeWithFile rewrites the mock item as completed, pointing its output
// path at a real directory holding one video file.
func completeWithFile(t *testing.T, f *fixture, downloadID, fileName string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, fileName)
	if err := os.WriteFile(path, make([]byte, 4096), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	f.client.AddItem(types.Item{
		DownloadID:   downloadID,
		Title:        "Dune.2021.1080p.BluRay.x264-GRP",
		Category:     "movies",
		Status:       types.StatusCompleted,
		OutputPath:   dir,
		TotalSize:    4096,
		CanBeRemoved: true,
		CanMoveFiles: true,
	})
	return dir
}

func drainEvents(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func countEvents(evs []events.Event, typ events.Type) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestGrabToImportLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	evs, cancel := f.bus.Subscribe(16)
	defer cancel()

	result, err := f.grab.Grab(ctx, testRelease(), f.movie)
	if err != nil {
		t.Fatalf("Grab: %v", err)
	}

	// First poll: the client reports the download in flight.
	downloads, err := f.svc.PollAll(ctx)
	if err != nil {
		t.Fatalf("PollAll: %v", err)
	}
	if len(downloads) != 1 {
		t.Fatalf("tracked = %d, want 1", len(downloads))
	}
	td := downloads[0]
	if td.State != StateTracking || td.Status != types.StatusDownloading {
		t.Errorf("state = %s/%s, want tracking/downloading", td.State, td.Status)
	}
	if td.MovieID != f.movie.ID {
		t.Errorf("movie id = %d, want %d", td.MovieID, f.movie.ID)
	}

	// Completion: next poll imports the file and removes the download.
	completeWithFile(t, f, result.DownloadID, "Dune.2021.1080p.BluRay.x264-GRP.mkv")
	downloads, err = f.svc.PollAll(ctx)
	if err != nil {
		t.Fatalf("PollAll: %v", err)
	}
	td = downloads[0]
	if td.State != StateImported {
		t.Fatalf("state = %s, want imported (message: %s)", td.State, td.StatusMessage)
	}

	imported, err := f.history.AlreadyImported(ctx, result.DownloadID)
	if err != nil {
		t.Fatalf("AlreadyImported: %v", err)
	}
	if !imported {
		t.Error("expected alreadyImported to report true")
	}

	files, err := f.movies.FilesFor(ctx, f.movie.ID)
	if err != nil {
		t.Fatalf("FilesFor: %v", err)
	}
	if len(files) != 1 {
		t.Errorf("library files = %d, want 1", len(files))
	}

	// Removal happened, so the client reports nothing and a later poll
	// prunes the terminal download.
	items, _ := f.client.GetItems(ctx)
	if len(items) != 0 {
		t.Errorf("client items after removal = %d, want 0", len(items))
	}
	downloads, err = f.svc.PollAll(ctx)
	if err != nil {
		t.Fatalf("PollAll: %v", err)
	}
	if len(downloads) != 0 {
		t.Errorf("tracked after prune = %d, want 0", len(downloads))
	}

	all := drainEvents(evs)
	if n := countEvents(all, events.TypeGrabbed); n != 1 {
		t.Errorf("grabbed events = %d, want 1", n)
	}
	if n := countEvents(all, events.TypeDownloadCompleted); n != 1 {
		t.Errorf("completed events = %d, want 1", n)
	}
	if n := countEvents(all, events.TypeImported); n != 1 {
		t.Errorf("imported events = %d, want 1", n)
	}
}

func TestFailedDownloadIsBlocklisted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	evs, cancel := f.bus.Subscribe(16)
	defer cancel()

	release := testRelease()
	result, err := f.grab.Grab(ctx, release, f.movie)
	if err != nil {
		t.Fatalf("Grab: %v", err)
	}

	if _, err := f.svc.PollAll(ctx); err != nil {
		t.Fatalf("PollAll: %v", err)
	}

	if err := f.client.SetStatus(result.DownloadID, types.StatusFailed, "disk full"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	downloads, err := f.svc.PollAll(ctx)
	if err != nil {
		t.Fatalf("PollAll: %v", err)
	}
	if len(downloads) != 1 || downloads[0].State != StateFailed {
		t.Fatalf("downloads = %+v", downloads)
	}

	records, err := f.history.FindByDownloadID(ctx, result.DownloadID)
	if err != nil {
		t.Fatalf("FindByDownloadID: %v", err)
	}
	var failed bool
	for _, r := range records {
		if r.EventType == history.EventTypeFailed {
			failed = true
		}
	}
	if !failed {
		t.Error("expected a failed history record")
	}

	blocked, err := f.blocklist.IsBlocklisted(ctx, blocklist.Release{
		MovieID:  f.movie.ID,
		Title:    release.Title,
		Indexer:  release.Indexer,
		Protocol: release.Protocol,
		InfoHash: "abcdef0123456789abcdef0123456789abcdef01", // case-insensitive
	})
	if err != nil {
		t.Fatalf("IsBlocklisted: %v", err)
	}
	if !blocked {
		t.Error("expected release to be blocklisted")
	}

	// A failed download is removed from the client with its data.
	items, _ := f.client.GetItems(ctx)
	if len(items) != 0 {
		t.Errorf("client items after failure = %d, want 0", len(items))
	}

	// Re-grabbing the same release must now be refused.
	if _, err := f.grab.Grab(ctx, release, f.movie); !errors.Is(err, grab.ErrBlocklisted) {
		t.Errorf("second grab err = %v, want ErrBlocklisted", err)
	}

	all := drainEvents(evs)
	if n := countEvents(all, events.TypeDownloadFailed); n != 1 {
		t.Errorf("failed events = %d, want 1", n)
	}
}

func TestCompletedEventSentOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	evs, cancel := f.bus.Subscribe(16)
	defer cancel()

	result, err := f.grab.Grab(ctx, testRelease(), f.movie)
	if err != nil {
		t.Fatalf("Grab: %v", err)
	}

	// A season pack name is rejected by the import evaluation, so the
	// download completes but stays tracking across polls.
	completeWithFile(t, f, result.DownloadID, "Dune.S01.1080p.WEB-DL.mkv")

	for i := 0; i < 3; i++ {
		if _, err := f.svc.PollAll(ctx); err != nil {
			t.Fatalf("PollAll: %v", err)
		}
	}

	td, ok := f.svc.Get(result.DownloadID)
	if !ok {
		t.Fatal("expected tracked download")
	}
	if td.State != StateTracking {
		t.Errorf("state = %s, want tracking", td.State)
	}
	if td.StatusMessage == "" {
		t.Error("expected a rejection message")
	}

	all := drainEvents(evs)
	if n := countEvents(all, events.TypeDownloadCompleted); n != 1 {
		t.Errorf("completed events = %d, want exactly 1", n)
	}
}

func TestUnreachableClientPreservesState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.grab.Grab(ctx, testRelease(), f.movie)
	if err != nil {
		t.Fatalf("Grab: %v", err)
	}
	if _, err := f.svc.PollAll(ctx); err != nil {
		t.Fatalf("PollAll: %v", err)
	}

	f.client.SetError(errors.New("connection refused"))
	downloads, err := f.svc.PollAll(ctx)
	if err != nil {
		t.Fatalf("PollAll: %v", err)
	}
	if len(downloads) != 1 {
		t.Fatalf("tracked = %d, want 1 (previous state preserved)", len(downloads))
	}
	if downloads[0].DownloadID != result.DownloadID || downloads[0].State != StateTracking {
		t.Errorf("download = %+v", downloads[0])
	}
}

func TestIgnore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.grab.Grab(ctx, testRelease(), f.movie)
	if err != nil {
		t.Fatalf("Grab: %v", err)
	}
	if _, err := f.svc.PollAll(ctx); err != nil {
		t.Fatalf("PollAll: %v", err)
	}

	evs, cancel := f.bus.Subscribe(4)
	defer cancel()

	if err := f.svc.Ignore(ctx, result.DownloadID); err != nil {
		t.Fatalf("Ignore: %v", err)
	}
	td, _ := f.svc.Get(result.DownloadID)
	if td.State != StateIgnored {
		t.Errorf("state = %s, want ignored", td.State)
	}

	records, err := f.history.FindByDownloadID(ctx, result.DownloadID)
	if err != nil {
		t.Fatalf("FindByDownloadID: %v", err)
	}
	var ignored bool
	for _, r := range records {
		if r.EventType == history.EventTypeIgnored {
			ignored = true
		}
	}
	if !ignored {
		t.Error("expected an ignored history record")
	}

	// Ignoring never blocklists.
	blocked, err := f.blocklist.IsBlocklisted(ctx, blocklist.Release{
		MovieID:  f.movie.ID,
		Title:    testRelease().Title,
		Protocol: types.ProtocolTorrent,
		InfoHash: testRelease().InfoHash,
	})
	if err != nil {
		t.Fatalf("IsBlocklisted: %v", err)
	}
	if blocked {
		t.Error("ignored download must not be blocklisted")
	}

	all := drainEvents(evs)
	if n := countEvents(all, events.TypeDownloadIgnored); n != 1 {
		t.Errorf("ignored events = %d, want 1", n)
	}

	// Ignoring twice is a no-op.
	if err := f.svc.Ignore(ctx, result.DownloadID); err != nil {
		t.Errorf("second Ignore: %v", err)
	}

	if err := f.svc.Ignore(ctx, "missing"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Ignore missing = %v, want ErrNotFound", err)
	}
}

func TestItemWithoutGrabRecordIsNotTracked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.client.AddItem(types.Item{
		DownloadID: "FOREIGN",
		Title:      "someone elses download",
		Status:     types.StatusDownloading,
	})

	downloads, err := f.svc.PollAll(ctx)
	if err != nil {
		t.Fatalf("PollAll: %v", err)
	}
	if len(downloads) != 0 {
		t.Errorf("tracked = %d, want 0", len(downloads))
	}
}
