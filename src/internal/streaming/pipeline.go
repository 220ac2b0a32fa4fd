// Package streaming implements the bounded-queue processing pipeline:
// prefetch workers download dataset files from a WebDAV mirror, the caller
// processes them, upload workers push the results back and clean up. The
// pipeline is crash safe: processed files and pending uploads are recorded
// in a state file inside the work directory.
package streaming

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"
	l "github.com/sirupsen/logrus"

	"gitlab.com/kiberchaika/blackbird/src/internal/index"
	"gitlab.com/kiberchaika/blackbird/src/internal/webdav"
)

var log *l.Entry = l.WithFields(l.Fields{"srv": "streaming"})

// retry policy for downloads and uploads: exponential backoff with base 2s
const (
	maxRetries       = 3
	retryBackoffBase = 2 * time.Second
)

// Metadata describes the origin of a pipeline item.
type Metadata struct {
	Artist    string
	Album     string
	Track     string
	Component string
}

// Item is one downloaded file ready for user processing.
type Item struct {
	LocalPath  string // path below <work_dir>/downloads
	RemotePath string // path on the server, relative to the dataset root
	Metadata   Metadata
}

// uploadTask is one result queued for upload
type uploadTask struct {
	item       *Item
	resultPath string
	remoteName string
}

// Config configures a streaming pipeline.
type Config struct {
	URL        string // webdav:// URL, credentials may also come via Username/Password
	Username   string
	Password   string
	Components []string // component names; empty means all of the remote schema
	Artists    []string // artist glob patterns
	Albums     []string // album names (exact, case-insensitive)

	QueueSize       int    // bounded download queue, default 10
	PrefetchWorkers int    // default 4
	UploadWorkers   int    // default 2
	WorkDir         string // local scratch directory

	ClientOptions webdav.Options
}

// fileEntry is one remote file scheduled for download
type fileEntry struct {
	remotePath string
	size       int64
	metadata   Metadata
}

// Pipeline is the download -> process -> upload -> cleanup workflow.
type Pipeline struct {
	cfg    Config
	client *webdav.Client

	files   []fileEntry
	fileIdx int
	fileMut sync.Mutex // guards files cursor and finished worker count

	finishedWorkers int

	items    chan *Item // bounded download queue; closed by the last worker
	uploads  *uploadQueue
	shutdown chan struct{} // closed to stop download workers

	wgDownload sync.WaitGroup
	wgUpload   sync.WaitGroup

	stateMut  sync.Mutex
	state     *pipelineState
	statePath string

	downloaded    atomic.Int64
	uploaded      atomic.Int64
	skipped       atomic.Int64
	failedDown    atomic.Int64
	failedUploads atomic.Int64

	started bool
	stopped bool
}

// New creates a pipeline; Start must be called before Take.
func New(cfg Config) (*Pipeline, error) {
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("work directory must be configured")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10
	}
	if cfg.PrefetchWorkers <= 0 {
		cfg.PrefetchWorkers = 4
	}
	if cfg.UploadWorkers <= 0 {
		cfg.UploadWorkers = 2
	}

	rawURL, err := webdav.BuildURL(cfg.URL, cfg.Username, cfg.Password)
	if err != nil {
		return nil, err
	}
	cfg.URL = rawURL

	return &Pipeline{
		cfg:      cfg,
		items:    make(chan *Item, cfg.QueueSize),
		uploads:  newUploadQueue(),
		shutdown: make(chan struct{}),
	}, nil
}

// Start connects to the server, fetches the remote index, builds the file
// list (excluding already processed entries from a resumed state), re-queues
// pending uploads and launches the worker pools.
func (me *Pipeline) Start() error {
	if me.started {
		return fmt.Errorf("pipeline already started")
	}
	me.started = true

	if err := os.MkdirAll(me.cfg.WorkDir, 0o755); err != nil {
		return errors.Wrapf(err, "cannot create work directory '%s'", me.cfg.WorkDir)
	}
	me.statePath = filepath.Join(me.cfg.WorkDir, StateFilename)

	client, err := webdav.Connect(me.cfg.URL, me.cfg.ClientOptions)
	if err != nil {
		return err
	}
	me.client = client

	log.Infof("fetching remote index from %s", me.cfg.URL)
	remoteIndex, err := client.GetIndex()
	if err != nil {
		return err
	}
	remoteSchema, err := client.GetSchema()
	if err != nil {
		return err
	}

	me.loadOrCreateState()
	me.buildFileList(remoteIndex, remoteSchema.Names())
	log.Infof("files to process: %d", len(me.files))

	me.resumePendingUploads()

	for i := 0; i < me.cfg.PrefetchWorkers; i++ {
		me.wgDownload.Add(1)
		go me.downloadWorker()
	}
	for i := 0; i < me.cfg.UploadWorkers; i++ {
		me.wgUpload.Add(1)
		go me.uploadWorker()
	}

	log.Infof("pipeline started: %d download workers, %d upload workers",
		me.cfg.PrefetchWorkers, me.cfg.UploadWorkers)
	return nil
}

// Take removes up to count downloaded items from the queue. It blocks until
// the items are available and returns fewer than count only when the
// downloads are exhausted or the pipeline is shutting down. An empty result
// means there is nothing left to process.
func (me *Pipeline) Take(count int) []*Item {
	var items []*Item
	for len(items) < count {
		select {
		case item, ok := <-me.items:
			if !ok {
				return items
			}
			items = append(items, item)
		case <-me.shutdown:
			return items
		}
	}
	return items
}

// SubmitResult queues a processing result for background upload to the
// remote directory of the item, under remoteName. After a successful upload
// both the downloaded source and the result file are deleted.
func (me *Pipeline) SubmitResult(item *Item, resultPath, remoteName string) error {
	if _, err := os.Stat(resultPath); err != nil {
		return errors.Wrapf(err, "result file '%s' not found", resultPath)
	}

	remote := remoteResultPath(item.RemotePath, remoteName)

	me.stateMut.Lock()
	me.state.addPendingUpload(resultPath, remote)
	if err := me.state.save(me.statePath); err != nil {
		log.Error(err)
	}
	me.stateMut.Unlock()

	me.uploads.put(&uploadTask{item: item, resultPath: resultPath, remoteName: remoteName})
	return nil
}

// Skip drops an item: the downloaded file is deleted and the remote path is
// marked processed without uploading anything.
func (me *Pipeline) Skip(item *Item) {
	safeDelete(item.LocalPath)
	me.markProcessed(item.RemotePath)
	me.skipped.Add(1)
}

// Stop shuts the pipeline down. On a clean stop the upload queue is drained
// first; an interrupted stop skips the drain. When every file was processed
// without failures the state file is removed.
func (me *Pipeline) Stop(interrupted bool) {
	if me.stopped {
		return
	}
	me.stopped = true

	log.Info("shutting down pipeline ...")
	close(me.shutdown)
	me.wgDownload.Wait()

	if !interrupted {
		log.Info("waiting for pending uploads ...")
		me.uploads.join()
	}
	me.uploads.close()
	me.wgUpload.Wait()

	me.stateMut.Lock()
	if err := me.state.save(me.statePath); err != nil {
		log.Error(err)
	}
	clean := !interrupted && me.failedDown.Load() == 0 && me.failedUploads.Load() == 0 &&
		len(me.state.PendingUploads) == 0
	for _, entry := range me.files {
		if !me.state.isProcessed(entry.remotePath) {
			clean = false
			break
		}
	}
	me.stateMut.Unlock()

	if clean {
		safeDelete(me.statePath)
		log.Info("all items processed successfully, state file removed")
	}

	log.Infof("pipeline stopped: downloaded %d, uploaded %d, skipped %d, failed downloads %d, failed uploads %d",
		me.downloaded.Load(), me.uploaded.Load(), me.skipped.Load(),
		me.failedDown.Load(), me.failedUploads.Load())
}

// Stats returns the counters of the run.
func (me *Pipeline) Stats() (downloaded, uploaded, skipped, failedDownloads, failedUploads int64) {
	return me.downloaded.Load(), me.uploaded.Load(), me.skipped.Load(),
		me.failedDown.Load(), me.failedUploads.Load()
}

// loadOrCreateState loads the state file of a previous run or starts fresh
func (me *Pipeline) loadOrCreateState() {
	if _, err := os.Stat(me.statePath); err == nil {
		state, err := loadPipelineState(me.statePath)
		if err == nil {
			log.Infof("resumed state: %d processed, %d pending uploads",
				len(state.Processed), len(state.PendingUploads))
			me.state = state
			return
		}
		log.Warnf("cannot load pipeline state, starting fresh: %v", err)
	}
	me.state = newPipelineState(me.cfg.URL)
	me.stateMut.Lock()
	if err := me.state.save(me.statePath); err != nil {
		log.Error(err)
	}
	me.stateMut.Unlock()
}

// matchArtist matches an artist against the configured glob patterns
func matchArtist(artist string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		if matched, err := doublestar.Match(pattern, artist); err == nil && matched {
			return true
		}
		if strings.EqualFold(pattern, artist) {
			return true
		}
	}
	return false
}

// buildFileList derives the download list from the remote index, applying
// the component/artist/album filters and dropping already processed paths
func (me *Pipeline) buildFileList(remote *index.Index, availableComponents []string) {
	wanted := make(map[string]bool)
	if len(me.cfg.Components) == 0 {
		for _, name := range availableComponents {
			wanted[name] = true
		}
	} else {
		available := make(map[string]bool, len(availableComponents))
		for _, name := range availableComponents {
			available[name] = true
		}
		for _, name := range me.cfg.Components {
			if !available[name] {
				log.Warnf("unknown component '%s' ignored", name)
				continue
			}
			wanted[name] = true
		}
	}

	for _, track := range remote.Tracks {
		if !matchArtist(track.Artist, me.cfg.Artists) {
			continue
		}
		if len(me.cfg.Albums) > 0 {
			albumName := track.AlbumPath
			if i := strings.LastIndex(albumName, "/"); i >= 0 {
				albumName = albumName[i+1:]
			}
			matched := false
			for _, album := range me.cfg.Albums {
				if strings.EqualFold(album, albumName) {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}

		for comp, sym := range track.Files {
			if !wanted[comp] {
				continue
			}
			// strip the location prefix: remote paths are relative to the
			// dataset root
			remotePath := sym
			if i := strings.Index(sym, "/"); i >= 0 {
				remotePath = sym[i+1:]
			}
			if me.state.isProcessed(remotePath) {
				me.skipped.Add(1)
				continue
			}
			me.files = append(me.files, fileEntry{
				remotePath: remotePath,
				size:       track.FileSizes[sym],
				metadata: Metadata{
					Artist:    track.Artist,
					Album:     path.Base(track.AlbumPath),
					Track:     track.BaseName,
					Component: comp,
				},
			})
		}
	}
}

// nextFile returns the next file entry, or nil when the list is exhausted.
// In the latter case it reports whether the calling worker is the last one
// to finish.
func (me *Pipeline) nextFile() (entry *fileEntry, last bool) {
	me.fileMut.Lock()
	defer me.fileMut.Unlock()
	if me.fileIdx >= len(me.files) {
		me.finishedWorkers++
		return nil, me.finishedWorkers == me.cfg.PrefetchWorkers
	}
	entry = &me.files[me.fileIdx]
	me.fileIdx++
	return entry, false
}

// downloadWorker pulls file entries, downloads them with retries and feeds
// the bounded item queue. The last worker to run out of work closes the
// queue so that Take drains and returns empty.
func (me *Pipeline) downloadWorker() {
	defer me.wgDownload.Done()

	for {
		select {
		case <-me.shutdown:
			return
		default:
		}

		entry, last := me.nextFile()
		if entry == nil {
			if last {
				close(me.items)
			}
			return
		}

		localPath := filepath.Join(me.cfg.WorkDir, "downloads", filepath.FromSlash(entry.remotePath))
		if !me.downloadWithRetry(entry, localPath) {
			me.failedDown.Add(1)
			log.Errorf("failed to download after %d attempts: %s", maxRetries, entry.remotePath)
			continue
		}
		me.downloaded.Add(1)

		item := &Item{LocalPath: localPath, RemotePath: entry.remotePath, Metadata: entry.metadata}
		select {
		case me.items <- item: // blocks for backpressure
		case <-me.shutdown:
			return
		}
	}
}

// downloadWithRetry downloads one file, verifying its size, with
// exponential backoff between attempts
func (me *Pipeline) downloadWithRetry(entry *fileEntry, localPath string) bool {
	for attempt := 0; attempt < maxRetries; attempt++ {
		select {
		case <-me.shutdown:
			return false
		default:
		}

		err := me.client.DownloadFile(entry.remotePath, localPath)
		if err == nil {
			if info, statErr := os.Stat(localPath); statErr == nil && info.Size() == entry.size {
				return true
			}
			log.Warnf("size mismatch after downloading '%s', retrying", entry.remotePath)
			safeDelete(localPath)
		} else {
			log.Warnf("download attempt %d/%d failed for '%s': %v", attempt+1, maxRetries, entry.remotePath, err)
		}

		if attempt < maxRetries-1 {
			backoff := retryBackoffBase << attempt
			select {
			case <-time.After(backoff):
			case <-me.shutdown:
				return false
			}
		}
	}
	return false
}

// uploadWorker drains the upload queue until it is closed
func (me *Pipeline) uploadWorker() {
	defer me.wgUpload.Done()

	for {
		task, ok := me.uploads.get()
		if !ok {
			return
		}
		me.processUpload(task)
		me.uploads.taskDone()
	}
}

// processUpload uploads one result with retries, then deletes the local
// source and result files and updates the state
func (me *Pipeline) processUpload(task *uploadTask) {
	remote := remoteResultPath(task.item.RemotePath, task.remoteName)

	if !me.uploadWithRetry(task.resultPath, remote) {
		me.failedUploads.Add(1)
		log.Errorf("failed to upload after %d attempts: %s", maxRetries, remote)
		return
	}
	me.uploaded.Add(1)

	safeDelete(task.resultPath)
	safeDelete(task.item.LocalPath)

	me.stateMut.Lock()
	me.state.markProcessed(task.item.RemotePath)
	me.state.removePendingUpload(remote)
	if err := me.state.save(me.statePath); err != nil {
		log.Error(err)
	}
	me.stateMut.Unlock()
}

func (me *Pipeline) uploadWithRetry(localPath, remote string) bool {
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := me.client.UploadFile(localPath, remote)
		if err == nil {
			return true
		}
		log.Warnf("upload attempt %d/%d failed for '%s': %v", attempt+1, maxRetries, remote, err)
		if attempt < maxRetries-1 {
			time.Sleep(retryBackoffBase << attempt)
		}
	}
	return false
}

// resumePendingUploads re-queues uploads whose result files still exist
func (me *Pipeline) resumePendingUploads() {
	me.stateMut.Lock()
	pending := append([]pendingUpload(nil), me.state.PendingUploads...)
	me.stateMut.Unlock()
	if len(pending) == 0 {
		return
	}

	log.Infof("resuming %d pending uploads ...", len(pending))
	var kept []pendingUpload
	for _, p := range pending {
		if _, err := os.Stat(p.Local); err != nil {
			log.Warnf("pending upload file missing, dropping: %s", p.Local)
			continue
		}
		kept = append(kept, p)
		// the original source is gone after a restart; the result's own
		// remote path stands in so that the upload lands in the right place
		item := &Item{RemotePath: p.Remote}
		me.uploads.put(&uploadTask{item: item, resultPath: p.Local, remoteName: path.Base(p.Remote)})
	}

	me.stateMut.Lock()
	me.state.PendingUploads = kept
	if err := me.state.save(me.statePath); err != nil {
		log.Error(err)
	}
	me.stateMut.Unlock()
}

func (me *Pipeline) markProcessed(remote string) {
	me.stateMut.Lock()
	defer me.stateMut.Unlock()
	me.state.markProcessed(remote)
	if err := me.state.save(me.statePath); err != nil {
		log.Error(err)
	}
}

// remoteResultPath places a result next to its source on the server
func remoteResultPath(sourceRemote, remoteName string) string {
	dir := webdav.RemoteDir(sourceRemote)
	if dir == "" {
		return remoteName
	}
	return dir + "/" + remoteName
}

// safeDelete removes a file, suppressing errors
func safeDelete(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warnf("cannot delete '%s': %v", path, err)
	}
}
