package queue

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"swarmq/internal/config"
	"swarmq/internal/hashing"
)

type managerFixture struct {
	fs     afero.Fs
	cfg    *config.Config
	hasher *hashing.Service
	m      *Manager
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.QueueFile = "/data/queue.bencode"
	cfg.TempDirectory = "/data/incomplete"
	return cfg
}

func newManagerFixture(t *testing.T, cfg *config.Config, fs afero.Fs, svc Services) *managerFixture {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	if fs == nil {
		fs = afero.NewMemMapFs()
	}
	hasher, err := hashing.NewService(fs, zerolog.Nop(), 64, 2)
	require.NoError(t, err)

	svc.Fs = fs
	svc.Hasher = hasher
	m, err := NewManager(cfg, zerolog.Nop(), svc)
	require.NoError(t, err)
	t.Cleanup(func() {
		m.Close()
		hasher.Close()
	})
	return &managerFixture{fs: fs, cfg: cfg, hasher: hasher, m: m}
}

func testData(size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*31) ^ seed
	}
	return data
}

// known registers the hash tree of data and returns its root.
func (f *managerFixture) known(t *testing.T, data []byte) hashing.Value {
	tree, err := hashing.Build(bytes.NewReader(data), int64(len(data)), 0)
	require.NoError(t, err)
	f.hasher.AddTree(tree)
	return tree.Root
}

func (f *managerFixture) write(t *testing.T, d *Download, data []byte) {
	t.Helper()
	require.NoError(t, f.fs.MkdirAll(filepath.Dir(d.TempTarget), 0755))
	file, err := f.fs.OpenFile(d.TempTarget, os.O_CREATE|os.O_WRONLY, 0644)
	require.NoError(t, err)
	end := d.Segment.End()
	if d.Segment.Size < 0 {
		end = int64(len(data))
	}
	_, err = file.WriteAt(data[d.Segment.Start:end], d.Segment.Start)
	require.NoError(t, err)
	require.NoError(t, file.Close())
	d.SetPos(end - d.Segment.Start)
}

func request(user string, wanted int64) DownloadRequest {
	return DownloadRequest{User: hinted(user), OnlineHubs: onlineHubs, WantedSize: wanted}
}

func sourceOf(user string) *HintedUser {
	u := hinted(user)
	return &u
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) has(typ EventType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == typ {
			return true
		}
	}
	return false
}

func TestAddFile(t *testing.T) {
	f := newManagerFixture(t, nil, nil, Services{})
	t1 := tthOf("T1")

	info, err := f.m.AddFile(FileRequest{Target: "music/song.mp3", Size: 1000, TTH: t1, Source: sourceOf("u1")})
	require.NoError(t, err)
	assert.Equal(t, PriorityHighest, info.Priority, "small files default to highest")
	assert.Equal(t, []HintedUser{hinted("u1")}, info.Sources)

	found, ok := f.m.File("music/song.mp3")
	require.True(t, ok)
	assert.Equal(t, int64(1000), found.Size)
	assert.Len(t, f.m.FindFiles(t1), 1)
	assert.Len(t, f.m.Bundles(), 1)
	assert.Equal(t, int64(1000), f.m.TotalQueueSize())
}

func TestAddWithoutPriorityIsDispatched(t *testing.T) {
	f := newManagerFixture(t, nil, nil, Services{})
	var unset Priority
	assert.Equal(t, PriorityDefault, unset)

	info, err := f.m.AddFile(FileRequest{Target: "/dl/a.bin", Size: 1 << 20, TTH: tthOf("a"), Source: sourceOf("u1")})
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, info.Priority)
	assert.True(t, info.Auto)

	bundle, err := f.m.AddBundle(BundleRequest{
		Target: "/dl/album",
		Files:  []BundleFile{{Name: "b.bin", Size: 1 << 20, TTH: tthOf("b")}},
		Source: sourceOf("u2"),
	})
	require.NoError(t, err)
	assert.NotEqual(t, PriorityPaused, bundle.Priority)

	d, err := f.m.GetDownload(request("u1", 0))
	require.NoError(t, err)
	assert.Equal(t, "/dl/a.bin", d.Target)
	d, err = f.m.GetDownload(request("u2", 0))
	require.NoError(t, err)
	assert.Equal(t, "/dl/album/b.bin", d.Target)
}

func TestAddFileDuplicateTarget(t *testing.T) {
	f := newManagerFixture(t, nil, nil, Services{})
	req := FileRequest{Target: "a/file.bin", Size: 5000, TTH: tthOf("a"), Source: sourceOf("u1")}
	_, err := f.m.AddFile(req)
	require.NoError(t, err)

	req.Source = sourceOf("u2")
	info, err := f.m.AddFile(req)
	require.NoError(t, err)
	assert.Len(t, info.Sources, 2)
	assert.Len(t, f.m.Bundles(), 1)

	req.Size = 6000
	_, err = f.m.AddFile(req)
	assert.ErrorIs(t, err, ErrTargetExists)
	var qerr *QueueError
	assert.True(t, errors.As(err, &qerr))
}

func TestAddFileInvalid(t *testing.T) {
	f := newManagerFixture(t, nil, nil, Services{})

	_, err := f.m.AddFile(FileRequest{Target: "  ", Size: 10})
	assert.ErrorIs(t, err, ErrInvalidTarget)
	_, err = f.m.AddFile(FileRequest{Target: "x.bin", Size: -5})
	assert.ErrorIs(t, err, ErrInvalidParameter)
	_, err = f.m.AddFile(FileRequest{Target: "list", Flags: ItemUserList})
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestAddFileZeroBytes(t *testing.T) {
	f := newManagerFixture(t, nil, nil, Services{})

	_, err := f.m.AddFile(FileRequest{Target: "/dl/empty.txt", Size: 0})
	require.NoError(t, err)
	exists, err := afero.Exists(f.fs, "/dl/empty.txt")
	require.NoError(t, err)
	assert.True(t, exists)
	_, ok := f.m.File("/dl/empty.txt")
	assert.False(t, ok)
}

func TestAddFileConnectsOnlineSource(t *testing.T) {
	conns := new(connectionMock)
	conns.On("IsOnline", UserID("u1")).Return(true)
	conns.On("ExpectIncoming", mock.Anything, UserID("u1"), onlineHubs[0]).Return()
	conns.On("Connect", hinted("u1"), mock.Anything, true).Return(nil)
	f := newManagerFixture(t, nil, nil, Services{Connections: conns})

	_, err := f.m.AddFile(FileRequest{Target: "/dl/a.bin", Size: 5000, TTH: tthOf("a"), Source: sourceOf("u1")})
	require.NoError(t, err)
	conns.AssertExpectations(t)
}

func TestAddBundleSharesSources(t *testing.T) {
	f := newManagerFixture(t, nil, nil, Services{})
	info, err := f.m.AddBundle(BundleRequest{
		Target: "/dl/album",
		Files: []BundleFile{
			{Name: "a.bin", Size: 1 << 20, TTH: tthOf("a")},
			{Name: "b.bin", Size: 1 << 20, TTH: tthOf("b")},
			{Name: "empty.txt", Size: 0},
		},
		Source: sourceOf("shared"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, info.Items)
	assert.Len(t, f.m.Bundles(), 1)
	require.NoError(t, f.m.AddSource("/dl/album/a.bin", hinted("only-a")))

	b, ok := f.m.Bundle(info.Token)
	require.True(t, ok)
	assert.ElementsMatch(t, []HintedUser{hinted("shared"), hinted("only-a")}, b.Sources)

	require.NoError(t, f.m.RemoveFile("/dl/album/a.bin"))
	b, ok = f.m.Bundle(info.Token)
	require.True(t, ok)
	assert.Equal(t, []HintedUser{hinted("shared")}, b.Sources)
	assert.Equal(t, 1, b.Items)
	assert.True(t, existsOn(f.fs, "/dl/album/empty.txt"))

	require.NoError(t, f.m.RemoveFile("/dl/album/b.bin"))
	_, ok = f.m.Bundle(info.Token)
	assert.False(t, ok, "empty bundles are dropped")
}

func TestMatchListing(t *testing.T) {
	f := newManagerFixture(t, nil, nil, Services{})
	ta, tb := tthOf("a"), tthOf("b")
	_, err := f.m.AddFile(FileRequest{Target: "x/a.bin", Size: 5000, TTH: ta, Source: sourceOf("u1")})
	require.NoError(t, err)
	_, err = f.m.AddFile(FileRequest{Target: "x/b.bin", Size: 7000, TTH: tb, Source: sourceOf("u1")})
	require.NoError(t, err)

	listing := []RemoteFile{
		{Path: "share/a.bin", Size: 5000, TTH: ta},
		{Path: "share/b.bin", Size: 1234, TTH: tb},
		{Path: "share/c.bin", Size: 10},
	}
	matched, added := f.m.MatchListing(hinted("u2"), listing)
	assert.Equal(t, 1, matched)
	assert.Equal(t, 1, added)

	a, ok := f.m.File("x/a.bin")
	require.True(t, ok)
	assert.Contains(t, a.Sources, hinted("u2"))
	b, ok := f.m.File("x/b.bin")
	require.True(t, ok)
	assert.NotContains(t, b.Sources, hinted("u2"))

	matched, added = f.m.MatchListing(hinted("u2"), listing)
	assert.Equal(t, 1, matched)
	assert.Zero(t, added, "existing sources are not added twice")
}

func existsOn(fs afero.Fs, path string) bool {
	ok, err := afero.Exists(fs, path)
	return err == nil && ok
}

func TestAddBundleMergesBundlesBelow(t *testing.T) {
	f := newManagerFixture(t, nil, nil, Services{})
	rec := &eventRecorder{}
	f.m.Events().Subscribe(rec.record)

	_, err := f.m.AddFile(FileRequest{Target: "/dl/album/cd1/x.bin", Size: 1 << 20, TTH: tthOf("x"), Source: sourceOf("u1")})
	require.NoError(t, err)
	require.Len(t, f.m.Bundles(), 1)

	info, err := f.m.AddBundle(BundleRequest{
		Target: "/dl/album",
		Files:  []BundleFile{{Name: "y.bin", Size: 1 << 20, TTH: tthOf("y")}},
		Source: sourceOf("u1"),
	})
	require.NoError(t, err)

	bundles := f.m.Bundles()
	require.Len(t, bundles, 1)
	assert.Equal(t, info.Token, bundles[0].Token)
	files, err := f.m.Files(info.Token)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "/dl/album/cd1/x.bin", files[0].Target)
	assert.True(t, rec.has(EventBundleMerged))

	d, err := f.m.GetDownload(request("u1", 0))
	require.NoError(t, err)
	assert.Equal(t, info.Token, d.Bundle)
}

func TestGetDownloadFetchesTreeFirst(t *testing.T) {
	f := newManagerFixture(t, nil, nil, Services{})
	_, err := f.m.AddFile(FileRequest{Target: "/dl/big.bin", Size: 1 << 20, TTH: tthOf("unknown"), Source: sourceOf("u1")})
	require.NoError(t, err)

	d, err := f.m.GetDownload(request("u1", 0))
	require.NoError(t, err)
	assert.Equal(t, DownloadTree, d.Type)
	assert.Equal(t, "tthl", d.Request().Type)

	_, err = f.m.GetDownload(request("u2", 0))
	assert.ErrorIs(t, err, ErrNoDownload)

	f.m.PutDownload(d, true, false, false)
	d, err = f.m.GetDownload(request("u1", 0))
	require.NoError(t, err)
	assert.Equal(t, DownloadFile, d.Type, "a source without a usable tree is used without one")
}

func TestDownloadCompletesAndShares(t *testing.T) {
	f := newManagerFixture(t, nil, nil, Services{})
	rec := &eventRecorder{}
	f.m.Events().Subscribe(rec.record)

	data := testData(300*1024, 1)
	root := f.known(t, data)
	_, err := f.m.AddFile(FileRequest{Target: "/dl/file.bin", Size: int64(len(data)), TTH: root, Source: sourceOf("u1")})
	require.NoError(t, err)

	d, err := f.m.GetDownload(request("u1", 0))
	require.NoError(t, err)
	assert.Equal(t, Segment{Start: 0, Size: int64(len(data))}, d.Segment)
	f.write(t, d, data)
	f.m.PutDownload(d, true, false, false)

	require.Eventually(t, func() bool {
		return len(f.m.Bundles()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	got, err := afero.ReadFile(f.fs, "/dl/file.bin")
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.False(t, existsOn(f.fs, d.TempTarget))
	_, ok := f.m.File("/dl/file.bin")
	assert.False(t, ok)
	assert.Zero(t, f.m.TotalQueueSize())
	assert.True(t, rec.has(EventItemFinished))
	assert.True(t, rec.has(EventBundleRemoved))
}

func TestPutDownloadFailureKeepsWholeBlocks(t *testing.T) {
	f := newManagerFixture(t, nil, nil, Services{})
	data := testData(10*int(testBlock), 2)
	root := f.known(t, data)
	_, err := f.m.AddFile(FileRequest{Target: "/dl/file.bin", Size: int64(len(data)), TTH: root, Source: sourceOf("u1")})
	require.NoError(t, err)

	d, err := f.m.GetDownload(request("u1", 0))
	require.NoError(t, err)
	d.SetPos(5 * testBlock / 2)
	f.m.PutDownload(d, false, false, false)

	info, ok := f.m.File("/dl/file.bin")
	require.True(t, ok)
	assert.Equal(t, 2*testBlock, info.Downloaded)
	assert.Zero(t, info.Running)
	assert.Equal(t, int64(len(data))-2*testBlock, f.m.TotalQueueSize())

	d, err = f.m.GetDownload(request("u1", 0))
	require.NoError(t, err)
	assert.Equal(t, 2*testBlock, d.Segment.Start)
}

func TestPutDownloadNoAccessRemovesSource(t *testing.T) {
	f := newManagerFixture(t, nil, nil, Services{})
	data := testData(10*int(testBlock), 3)
	root := f.known(t, data)
	_, err := f.m.AddFile(FileRequest{Target: "/dl/file.bin", Size: int64(len(data)), TTH: root, Source: sourceOf("u1")})
	require.NoError(t, err)

	d, err := f.m.GetDownload(request("u1", 0))
	require.NoError(t, err)
	f.m.PutDownload(d, false, true, false)

	info, _ := f.m.File("/dl/file.bin")
	assert.Empty(t, info.Sources)
	assert.Equal(t, []HintedUser{hinted("u1")}, info.BadSources)

	require.NoError(t, f.m.ReaddSource("/dl/file.bin", "u1"))
	info, _ = f.m.File("/dl/file.bin")
	assert.Len(t, info.Sources, 1)
}

func TestSoftSourceReturnsAfterCooldown(t *testing.T) {
	f := newManagerFixture(t, nil, nil, Services{})
	_, err := f.m.AddFile(FileRequest{Target: "/dl/a.bin", Size: 1 << 20, TTH: tthOf("a"), Source: sourceOf("u1")})
	require.NoError(t, err)
	_, err = f.m.AddFile(FileRequest{Target: "/dl/b.bin", Size: 1 << 20, TTH: tthOf("b"), Source: sourceOf("u1")})
	require.NoError(t, err)

	require.NoError(t, f.m.RemoveFileSource("/dl/a.bin", "u1", SourceSlow))
	require.NoError(t, f.m.RemoveFileSource("/dl/b.bin", "u1", SourceRemoved))
	_, err = f.m.GetDownload(request("u1", 0))
	require.ErrorIs(t, err, ErrNoDownload)

	now := time.Now()
	assert.Zero(t, f.m.readdExpiredSources(now), "cooldown has not passed")
	assert.Equal(t, 1, f.m.readdExpiredSources(now.Add(f.cfg.SourceCooldown+time.Second)))

	a, _ := f.m.File("/dl/a.bin")
	assert.Equal(t, []HintedUser{hinted("u1")}, a.Sources)
	assert.Empty(t, a.BadSources)
	b, _ := f.m.File("/dl/b.bin")
	assert.Empty(t, b.Sources, "hard removals stay for the session")
	assert.Equal(t, []HintedUser{hinted("u1")}, b.BadSources)

	d, err := f.m.GetDownload(request("u1", 0))
	require.NoError(t, err)
	assert.Equal(t, "/dl/a.bin", d.Target)
}

func TestRemoveSourceReleasesSegments(t *testing.T) {
	f := newManagerFixture(t, nil, nil, Services{})
	rec := &eventRecorder{}
	f.m.Events().Subscribe(rec.record)

	data := testData(2<<20, 4)
	root := f.known(t, data)
	_, err := f.m.AddFile(FileRequest{Target: "/dl/file.bin", Size: int64(len(data)), TTH: root, Source: sourceOf("u1")})
	require.NoError(t, err)
	require.NoError(t, f.m.AddSource("/dl/file.bin", hinted("u2")))

	d1, err := f.m.GetDownload(request("u1", 4*testBlock))
	require.NoError(t, err)
	assert.Equal(t, Segment{Start: 0, Size: 4 * testBlock}, d1.Segment)
	d2, err := f.m.GetDownload(request("u2", 4*testBlock))
	require.NoError(t, err)
	assert.Equal(t, Segment{Start: 4 * testBlock, Size: 4 * testBlock}, d2.Segment)

	assert.Equal(t, 1, f.m.RemoveSource("u1", SourceFileNotAvailable))
	assert.Empty(t, f.m.Running("u1"))
	assert.True(t, rec.has(EventDownloadSuperseded))

	f.m.PutDownload(d2, false, false, false)
	d3, err := f.m.GetDownload(request("u2", 4*testBlock))
	require.NoError(t, err)
	assert.Equal(t, Segment{Start: 0, Size: 4 * testBlock}, d3.Segment)

	f.m.PutDownload(d1, true, false, false)
	info, _ := f.m.File("/dl/file.bin")
	assert.Zero(t, info.Downloaded, "a released transfer cannot complete")
}

func TestCancelDownloads(t *testing.T) {
	f := newManagerFixture(t, nil, nil, Services{})
	assert.Zero(t, f.m.CancelDownloads("nobody"))

	data := testData(10*int(testBlock), 5)
	root := f.known(t, data)
	_, err := f.m.AddFile(FileRequest{Target: "/dl/file.bin", Size: int64(len(data)), TTH: root, Source: sourceOf("u1")})
	require.NoError(t, err)
	d, err := f.m.GetDownload(request("u1", 0))
	require.NoError(t, err)
	d.SetPos(3 * testBlock)

	assert.Equal(t, 1, f.m.CancelDownloads("u1"))
	assert.Empty(t, f.m.Running("u1"))
	info, _ := f.m.File("/dl/file.bin")
	assert.Equal(t, 3*testBlock, info.Downloaded)
}

func TestConcurrentGetDownloadNeverOverlaps(t *testing.T) {
	cfg := testConfig()
	cfg.OverlapChunks = false
	f := newManagerFixture(t, cfg, nil, Services{})

	data := testData(4<<20, 6)
	root := f.known(t, data)
	_, err := f.m.AddFile(FileRequest{Target: "/dl/file.bin", Size: int64(len(data)), TTH: root, Source: sourceOf("u0")})
	require.NoError(t, err)
	users := []string{"u0", "u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8", "u9"}
	for _, u := range users[1:] {
		require.NoError(t, f.m.AddSource("/dl/file.bin", hinted(u)))
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		segs []Segment
	)
	for _, u := range users {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			d, err := f.m.GetDownload(request(u, 4*testBlock))
			if err != nil {
				assert.ErrorIs(t, err, ErrNoDownload)
				return
			}
			mu.Lock()
			segs = append(segs, d.Segment)
			mu.Unlock()
		}(u)
	}
	wg.Wait()

	require.NotEmpty(t, segs)
	assert.LessOrEqual(t, len(segs), cfg.MaxSegments)
	for i := range segs {
		for j := i + 1; j < len(segs); j++ {
			assert.False(t, segs[i].Overlaps(segs[j]), "%s overlaps %s", segs[i], segs[j])
		}
	}
}

func TestPausedBundleIsNotDispatched(t *testing.T) {
	f := newManagerFixture(t, nil, nil, Services{})
	data := testData(10*int(testBlock), 7)
	root := f.known(t, data)
	info, err := f.m.AddFile(FileRequest{Target: "/dl/file.bin", Size: int64(len(data)), TTH: root, Source: sourceOf("u1")})
	require.NoError(t, err)

	require.NoError(t, f.m.SetBundlePriority(info.Bundle, PriorityPaused))
	_, err = f.m.GetDownload(request("u1", 0))
	assert.ErrorIs(t, err, ErrNoDownload)

	require.NoError(t, f.m.SetBundlePriority(info.Bundle, PriorityHigh))
	d, err := f.m.GetDownload(request("u1", 0))
	require.NoError(t, err)
	assert.Equal(t, "/dl/file.bin", d.Target)

	item, _ := f.m.File("/dl/file.bin")
	assert.Equal(t, PriorityHigh, item.Priority, "a file bundle carries its item along")
}

func TestSetItemPriorityHighestJumpsAhead(t *testing.T) {
	f := newManagerFixture(t, nil, nil, Services{})
	files := []BundleFile{{Name: "1.bin"}, {Name: "2.bin"}, {Name: "3.bin"}}
	for i := range files {
		data := testData(10*int(testBlock), byte(10+i))
		files[i].Size = int64(len(data))
		files[i].TTH = f.known(t, data)
	}
	_, err := f.m.AddBundle(BundleRequest{Target: "/dl/dir", Files: files, Source: sourceOf("u1")})
	require.NoError(t, err)

	d, err := f.m.GetDownload(request("u1", 0))
	require.NoError(t, err)
	assert.Equal(t, "/dl/dir/1.bin", d.Target)
	f.m.PutDownload(d, false, false, false)

	require.NoError(t, f.m.SetItemPriority("/dl/dir/3.bin", PriorityHighest))
	d, err = f.m.GetDownload(request("u1", 0))
	require.NoError(t, err)
	assert.Equal(t, "/dl/dir/3.bin", d.Target)

	assert.ErrorIs(t, f.m.SetItemPriority("/dl/dir/3.bin", Priority(9)), ErrInvalidParameter)
	assert.ErrorIs(t, f.m.SetItemPriority("/dl/missing", PriorityLow), ErrNotFound)
}

func TestMoveFile(t *testing.T) {
	f := newManagerFixture(t, nil, nil, Services{})
	_, err := f.m.AddBundle(BundleRequest{
		Target: "/dl/dir",
		Files: []BundleFile{
			{Name: "a.bin", Size: 1 << 20, TTH: tthOf("a")},
			{Name: "b.bin", Size: 1 << 20, TTH: tthOf("b")},
		},
	})
	require.NoError(t, err)

	require.NoError(t, f.m.MoveFile("/dl/dir/a.bin", "/dl/dir/sub/a.bin"))
	_, ok := f.m.File("/dl/dir/sub/a.bin")
	assert.True(t, ok)
	assert.ErrorIs(t, f.m.MoveFile("/dl/dir/b.bin", "/dl/dir/sub/a.bin"), ErrTargetExists)
	assert.ErrorIs(t, f.m.MoveFile("/dl/dir/b.bin", "/elsewhere/b.bin"), ErrInvalidTarget)
}

func TestHashMismatchRequeuesCorruptBlocks(t *testing.T) {
	f := newManagerFixture(t, nil, nil, Services{})
	rec := &eventRecorder{}
	f.m.Events().Subscribe(rec.record)

	data := testData(10*int(testBlock), 8)
	root := f.known(t, data)
	_, err := f.m.AddFile(FileRequest{Target: "/dl/file.bin", Size: int64(len(data)), TTH: root, Source: sourceOf("u1")})
	require.NoError(t, err)

	d, err := f.m.GetDownload(request("u1", 0))
	require.NoError(t, err)
	corrupt := append([]byte(nil), data...)
	corrupt[3*testBlock+10] ^= 0xff
	f.write(t, d, corrupt)
	f.m.PutDownload(d, true, false, false)

	require.Eventually(t, func() bool {
		info, ok := f.m.File("/dl/file.bin")
		return ok && info.Status == ItemQueued.String() && info.Downloaded == 9*testBlock
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, rec.has(EventItemHashFailed))
	assert.True(t, rec.has(EventItemRechecked))

	d, err = f.m.GetDownload(request("u1", 0))
	require.NoError(t, err)
	assert.Equal(t, Segment{Start: 3 * testBlock, Size: testBlock}, d.Segment)
}

func TestRecheckDiscardsCorruptBlocks(t *testing.T) {
	f := newManagerFixture(t, nil, nil, Services{})
	data := testData(10*int(testBlock), 9)
	root := f.known(t, data)
	_, err := f.m.AddFile(FileRequest{Target: "/dl/file.bin", Size: int64(len(data)), TTH: root, Source: sourceOf("u1")})
	require.NoError(t, err)

	d, err := f.m.GetDownload(request("u1", 0))
	require.NoError(t, err)
	corrupt := append([]byte(nil), data...)
	corrupt[testBlock] ^= 0xff
	f.write(t, d, corrupt)
	d.SetPos(5 * testBlock)

	_, err = f.m.Recheck(context.Background(), "/dl/file.bin")
	assert.ErrorIs(t, err, ErrItemRunning)

	f.m.PutDownload(d, false, false, false)
	res, err := f.m.Recheck(context.Background(), "/dl/file.bin")
	require.NoError(t, err)
	assert.Equal(t, 4*testBlock, res.Verified)
	assert.Equal(t, testBlock, res.Discarded)
	assert.False(t, res.Finished)

	info, _ := f.m.File("/dl/file.bin")
	assert.Equal(t, 4*testBlock, info.Downloaded)
	assert.Equal(t, int64(len(data))-4*testBlock, f.m.TotalQueueSize())

	_, err = f.m.Recheck(context.Background(), "/dl/missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecheckWithoutTree(t *testing.T) {
	f := newManagerFixture(t, nil, nil, Services{})
	_, err := f.m.AddFile(FileRequest{Target: "/dl/file.bin", Size: 1 << 20, TTH: tthOf("x"), Source: sourceOf("u1")})
	require.NoError(t, err)

	_, err = f.m.Recheck(context.Background(), "/dl/file.bin")
	assert.ErrorIs(t, err, ErrNoTree)
}

func TestEventUnsubscribe(t *testing.T) {
	f := newManagerFixture(t, nil, nil, Services{})
	rec := &eventRecorder{}
	unsubscribe := f.m.Events().Subscribe(rec.record)

	_, err := f.m.AddFile(FileRequest{Target: "/dl/a.bin", Size: 5000, TTH: tthOf("a")})
	require.NoError(t, err)
	assert.True(t, rec.has(EventItemAdded))
	assert.True(t, rec.has(EventBundleAdded))

	unsubscribe()
	_, err = f.m.AddFile(FileRequest{Target: "/dl/b.bin", Size: 5000, TTH: tthOf("b")})
	require.NoError(t, err)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, e := range rec.events {
		assert.NotEqual(t, "/dl/b.bin", e.Target)
	}
}

type connectionMock struct {
	mock.Mock
}

func (c *connectionMock) IsOnline(user UserID) bool {
	return c.Called(user).Bool(0)
}

func (c *connectionMock) Connect(user HintedUser, token string, secure bool) error {
	return c.Called(user, token, secure).Error(0)
}

func (c *connectionMock) ExpectIncoming(token string, user UserID, hub string) {
	c.Called(token, user, hub)
}
