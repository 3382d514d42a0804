package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type scannerMock struct {
	mock.Mock
}

func (s *scannerMock) ScanBundle(ctx context.Context, target string, files []string) ScanResult {
	return s.Called(target, files).Get(0).(ScanResult)
}

func (s *scannerMock) ShareBundle(ctx context.Context, target string) error {
	return s.Called(target).Error(0)
}

func TestFailedScanKeepsBundleUntilRescan(t *testing.T) {
	scanner := new(scannerMock)
	scanner.On("ScanBundle", "/dl/file.bin", []string{"/dl/file.bin"}).Return(ScanMissing).Once()
	scanner.On("ScanBundle", "/dl/file.bin", []string{"/dl/file.bin"}).Return(ScanOK)
	scanner.On("ShareBundle", "/dl/file.bin").Return(nil)
	f := newManagerFixture(t, nil, nil, Services{Scanner: scanner})

	data := testData(4*int(testBlock), 30)
	root := f.known(t, data)
	info, err := f.m.AddFile(FileRequest{Target: "/dl/file.bin", Size: int64(len(data)), TTH: root, Source: sourceOf("u1")})
	require.NoError(t, err)

	d, err := f.m.GetDownload(request("u1", 0))
	require.NoError(t, err)
	f.write(t, d, data)
	f.m.PutDownload(d, true, false, false)

	require.Eventually(t, func() bool {
		b, ok := f.m.Bundle(info.Bundle)
		return ok && b.Status == BundleFailedMissing.String()
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, f.m.GetUnfinishedPaths(), "/dl/file.bin")
	assert.ErrorIs(t, f.m.RescanBundle("missing"), ErrNotFound)

	require.NoError(t, f.m.RescanBundle(info.Bundle))
	require.Eventually(t, func() bool {
		_, ok := f.m.Bundle(info.Bundle)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.m.GetUnfinishedPaths())
	scanner.AssertExpectations(t)
}

func TestShareFailureLeavesBundleFinished(t *testing.T) {
	scanner := new(scannerMock)
	scanner.On("ScanBundle", mock.Anything, mock.Anything).Return(ScanOK)
	scanner.On("ShareBundle", "/dl/file.bin").Return(assert.AnError)
	f := newManagerFixture(t, nil, nil, Services{Scanner: scanner})

	data := testData(2*int(testBlock), 31)
	root := f.known(t, data)
	info, err := f.m.AddFile(FileRequest{Target: "/dl/file.bin", Size: int64(len(data)), TTH: root, Source: sourceOf("u1")})
	require.NoError(t, err)

	d, err := f.m.GetDownload(request("u1", 0))
	require.NoError(t, err)
	f.write(t, d, data)
	f.m.PutDownload(d, true, false, false)

	require.Eventually(t, func() bool {
		b, ok := f.m.Bundle(info.Bundle)
		return ok && b.Status == BundleFinished.String()
	}, 5*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, f.m.RescanBundle(info.Bundle), ErrInvalidParameter)
}

func TestRemoveBundleDropsItemsAndTempFiles(t *testing.T) {
	f := newManagerFixture(t, nil, nil, Services{})
	rec := &eventRecorder{}
	f.m.Events().Subscribe(rec.record)

	data := testData(10*int(testBlock), 32)
	root := f.known(t, data)
	info, err := f.m.AddFile(FileRequest{Target: "/dl/file.bin", Size: int64(len(data)), TTH: root, Source: sourceOf("u1")})
	require.NoError(t, err)
	d, err := f.m.GetDownload(request("u1", 0))
	require.NoError(t, err)
	f.write(t, d, data[:3*testBlock])

	require.NoError(t, f.m.RemoveBundle(info.Bundle))
	_, ok := f.m.File("/dl/file.bin")
	assert.False(t, ok)
	assert.Empty(t, f.m.Running("u1"))
	assert.True(t, rec.has(EventBundleRemoved))
	assert.True(t, rec.has(EventDownloadSuperseded))
	require.Eventually(t, func() bool {
		return !existsOn(f.fs, d.TempTarget)
	}, 5*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, f.m.RemoveBundle(info.Bundle), ErrNotFound)
}
