package service

import (
	"babyview-pipeline/entities"
	"babyview-pipeline/pkg/drive"
	"babyview-pipeline/pkg/storage"
	"babyview-pipeline/repository"
	"context"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type call struct {
	name string
	args []string
}

// scriptedCommander answers commands from a hook and records every call.
type scriptedCommander struct {
	mu    sync.Mutex
	calls []call
	hook  func(name string, args []string) ([]byte, []byte, error)
}

func (c *scriptedCommander) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	c.mu.Lock()
	c.calls = append(c.calls, call{name: name, args: args})
	c.mu.Unlock()
	if c.hook == nil {
		return nil, nil, nil
	}
	return c.hook(name, args)
}

func (c *scriptedCommander) callsTo(name string) []call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []call
	for _, cl := range c.calls {
		if cl.name == name {
			out = append(out, cl)
		}
	}
	return out
}

const portrait30 = `{"streams":[{"codec_type":"video","width":1080,"height":1920,"r_frame_rate":"30/1"}],"format":{"duration":"12.345"}}`

// toolHook answers ffprobe with probe and makes ffmpeg create its output.
func toolHook(probe string, gpmf func(args []string) ([]byte, []byte, error)) func(string, []string) ([]byte, []byte, error) {
	return func(name string, args []string) ([]byte, []byte, error) {
		switch name {
		case "ffprobe":
			return []byte(probe), nil, nil
		case "ffmpeg":
			out := args[len(args)-1]
			return nil, nil, os.WriteFile(out, []byte("video"), 0o644)
		case "gpmf-parser":
			if gpmf != nil {
				return gpmf(args)
			}
			return []byte("ok " + args[1]), nil, nil
		}
		return nil, nil, errors.New("unexpected command " + name)
	}
}

type storageOp struct {
	op     string
	bucket string
	key    string
}

type fakeStorage struct {
	mu        sync.Mutex
	ops       []storageOp
	failOn    map[string]error
	deleteErr error
}

func (s *fakeStorage) record(op, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, storageOp{op: op, bucket: bucket, key: key})
	if s.failOn != nil {
		if err, ok := s.failOn[op+":"+bucket]; ok {
			return err
		}
	}
	return nil
}

func (s *fakeStorage) Upload(_ context.Context, local, dest, bucket string) error {
	return s.record("upload", bucket, dest)
}

func (s *fakeStorage) Download(_ context.Context, bucket, blob, local string) error {
	if err := s.record("download", bucket, blob); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(local), os.ModePerm); err != nil {
		return err
	}
	return os.WriteFile(local, []byte("blob"), 0o644)
}

func (s *fakeStorage) DeleteBySubstring(_ context.Context, bucket, substr string) ([]string, error) {
	if err := s.record("delete", bucket, substr); err != nil {
		return nil, err
	}
	return []string{bucket + "/" + substr}, s.deleteErr
}

func (s *fakeStorage) ListBlobs(_ context.Context, bucket, prefix string) iter.Seq2[storage.BlobInfo, error] {
	return func(yield func(storage.BlobInfo, error) bool) {}
}

func (s *fakeStorage) EnsureBucket(_ context.Context, name string) error {
	return s.record("ensure", name, "")
}

func (s *fakeStorage) PutJSON(_ context.Context, bucket, name string, v any) error {
	return s.record("put_json", bucket, name)
}

func (s *fakeStorage) opsOf(op string) []storageOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storageOp
	for _, o := range s.ops {
		if o.op == op {
			out = append(out, o)
		}
	}
	return out
}

func (s *fakeStorage) all() []storageOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storageOp(nil), s.ops...)
}

type fakeGateway struct {
	missing   bool
	failFetch error
	failTrash error
	fetched   []string
	trashed   []string
}

func (g *fakeGateway) Resolve(_ context.Context, v entities.Video) (drive.Ref, error) {
	if g.missing {
		return drive.Ref{}, errors.Join(drive.ErrNotFound, errors.New(v.SourceFileName))
	}
	return drive.Ref{ID: "file-" + v.UniqueID, Name: v.SourceFileName, Path: v.SourceFilePath}, nil
}

func (g *fakeGateway) Download(_ context.Context, ref drive.Ref, localPath string) error {
	if g.failFetch != nil {
		return g.failFetch
	}
	g.fetched = append(g.fetched, localPath)
	if _, err := os.Stat(localPath); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(localPath), os.ModePerm); err != nil {
		return err
	}
	return os.WriteFile(localPath, []byte("raw"), 0o644)
}

func (g *fakeGateway) Trash(_ context.Context, fileID string) error {
	if g.failTrash != nil {
		return g.failTrash
	}
	g.trashed = append(g.trashed, fileID)
	return nil
}

type fakeTracking struct {
	mu           sync.Mutex
	rows         []entities.VideoRow
	instructions map[string]entities.BlackoutInstruction
	updates      map[string]entities.VideoUpdate
	marked       []string
	updateErr    error
	lastFilter   repository.Predicate
}

func newFakeTracking(rows ...entities.VideoRow) *fakeTracking {
	return &fakeTracking{
		rows:         rows,
		instructions: map[string]entities.BlackoutInstruction{},
		updates:      map[string]entities.VideoUpdate{},
	}
}

func (f *fakeTracking) FindVideos(_ context.Context, p repository.Predicate) ([]entities.VideoRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter = p
	var out []entities.VideoRow
	for _, r := range f.rows {
		if p == nil || p.Match(r.Fields()) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeTracking) GetVideo(_ context.Context, id string) (entities.VideoRow, error) {
	for _, r := range f.rows {
		if r.UniqueVideoID == id || r.RecordID == id {
			return r, nil
		}
	}
	return entities.VideoRow{}, repository.ErrNotFound
}

func (f *fakeTracking) UpdateVideo(_ context.Context, id string, u entities.VideoUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates[id] = u
	return nil
}

func (f *fakeTracking) FindBlackoutInstructions(_ context.Context, ids []string) ([]entities.BlackoutInstruction, error) {
	var out []entities.BlackoutInstruction
	for _, id := range ids {
		if in, ok := f.instructions[id]; ok {
			out = append(out, in)
		}
	}
	return out, nil
}

func (f *fakeTracking) MarkBlackoutProcessed(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, ids...)
	return nil
}

func hasArg(args []string, want string) bool {
	for _, a := range args {
		if strings.Contains(a, want) {
			return true
		}
	}
	return false
}
