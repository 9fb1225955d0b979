package roomsync

import (
	"context"
	"fmt"
	"path"
	"sync"

	"github.com/golang/glog"
)

// UploadStatus transitions are initial -> uploading -> completed|failed.
// terminal states are never left, and initial is never revisited.
type UploadStatus string

const (
	UploadStatusInitial   UploadStatus = "initial"
	UploadStatusUploading UploadStatus = "uploading"
	UploadStatusCompleted UploadStatus = "completed"
	UploadStatusFailed    UploadStatus = "failed"
)

func (self UploadStatus) IsTerminal() bool {
	switch self {
	case UploadStatusCompleted, UploadStatusFailed:
		return true
	default:
		return false
	}
}

type UploadProgressFunction = func(status UploadStatus, bytesUploaded ByteCount, size ByteCount)

// UploadSession drives a byte-chunk source through a remote write
// handle, sequentially and in source order. Sessions are single-use:
// one Start, one terminal state, no automatic retry.
type UploadSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	storage    Storage
	uploadPath string
	source     Source[[]byte]
	// total size in bytes, or 0 when unknown. With size 0 the
	// progress ratio is indeterminate; callers must tolerate it.
	size ByteCount

	stateLock     sync.Mutex
	status        UploadStatus
	bytesUploaded ByteCount

	progressCallbacks *CallbackList[UploadProgressFunction]

	doneFuture        *future[bool]
	downloadUrlFuture *future[string]
}

// NewUploadSession builds the session without starting it, letting the
// caller schedule Start later.
func NewUploadSession(
	ctx context.Context,
	storage Storage,
	uploadPath string,
	source Source[[]byte],
	size ByteCount,
) *UploadSession {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &UploadSession{
		ctx:               cancelCtx,
		cancel:            cancel,
		storage:           storage,
		uploadPath:        uploadPath,
		source:            source,
		size:              size,
		status:            UploadStatusInitial,
		progressCallbacks: NewCallbackList[UploadProgressFunction](),
		doneFuture:        newFuture[bool](),
		downloadUrlFuture: newFuture[string](),
	}
}

// NewStartedUploadSession builds the session and starts it immediately.
func NewStartedUploadSession(
	ctx context.Context,
	storage Storage,
	uploadPath string,
	source Source[[]byte],
	size ByteCount,
) *UploadSession {
	session := NewUploadSession(ctx, storage, uploadPath, source, size)
	// cannot fail from initial
	session.Start()
	return session
}

// Start begins the transfer. It succeeds exactly once, from the initial
// state; any later call is a programmer error and fails loudly.
func (self *UploadSession) Start() error {
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.status != UploadStatusInitial {
			return fmt.Errorf("upload already started or completed (%s)", self.status)
		}
		self.status = UploadStatusUploading
		return nil
	}()
	if err != nil {
		return err
	}

	go self.run()
	return nil
}

func (self *UploadSession) run() {
	if err := self.upload(); err != nil {
		glog.Infof("[up]%s error = %s\n", self.uploadPath, err)
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			self.status = UploadStatusFailed
		}()
		self.doneFuture.Resolve(false, err)
		self.downloadUrlFuture.Resolve("", err)
		return
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.status = UploadStatusCompleted
	}()
	glog.V(2).Infof("[up]%s completed\n", self.uploadPath)
	self.doneFuture.Resolve(true, nil)

	// the public reference resolves after completion
	downloadUrl, err := self.storage.DownloadUrl(self.ctx, self.uploadPath)
	self.downloadUrlFuture.Resolve(downloadUrl, err)
}

func (self *UploadSession) upload() (returnErr error) {
	handle, err := self.storage.Open(self.ctx, self.uploadPath, true)
	if err != nil {
		return err
	}
	// the write handle is always released, even on error
	defer func() {
		closeErr := handle.Close(context.Background())
		if returnErr == nil {
			returnErr = closeErr
		}
	}()

	for {
		chunk, ok, err := self.source.Next(self.ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := self.ctx.Err(); err != nil {
			return err
		}

		if err := handle.Write(self.ctx, chunk); err != nil {
			return err
		}

		var bytesUploaded ByteCount
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			self.bytesUploaded += ByteCount(len(chunk))
			bytesUploaded = self.bytesUploaded
		}()

		for _, callback := range self.progressCallbacks.Get() {
			handleCallback(func() {
				callback(UploadStatusUploading, bytesUploaded, self.size)
			})
		}
	}
}

// WaitForDone resolves when the session reaches a terminal state,
// returning the failure cause if any.
func (self *UploadSession) WaitForDone(ctx context.Context) error {
	_, err := self.doneFuture.Await(ctx)
	return err
}

// WaitForDownloadUrl resolves with the store's public download
// reference after a completed upload.
func (self *UploadSession) WaitForDownloadUrl(ctx context.Context) (string, error) {
	return self.downloadUrlFuture.Await(ctx)
}

func (self *UploadSession) AddProgressCallback(callback UploadProgressFunction) func() {
	callbackId := self.progressCallbacks.Add(callback)
	return func() {
		self.progressCallbacks.Remove(callbackId)
	}
}

func (self *UploadSession) Status() UploadStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.status
}

func (self *UploadSession) BytesUploaded() ByteCount {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.bytesUploaded
}

func (self *UploadSession) Size() ByteCount {
	return self.size
}

func (self *UploadSession) Path() string {
	return self.uploadPath
}

// Filename is the basename of the upload path
func (self *UploadSession) Filename() string {
	return path.Base(self.uploadPath)
}

// Close cancels an in-flight transfer. Idempotent.
func (self *UploadSession) Close() {
	self.cancel()
}
