package notebook

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeClient is an in-memory external product.
type fakeClient struct {
	mu          sync.Mutex
	notebooks   map[string]NotebookInfo
	nextID      int
	createCalls int
	createErrs  []error
	createDelay time.Duration
	// release, when set, blocks CreateNotebook until closed.
	release   chan struct{}
	started   chan struct{}
	deleted   []string
	sources   map[string][]Source
	asked     []Question
	answer    string
	listErr   error
	deleteErr error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		notebooks: map[string]NotebookInfo{},
		sources:   map[string][]Source{},
		answer:    "The Italian Game starts with 1.e4 e5 2.Nf3 Nc6 3.Bc4.",
	}
}

func (f *fakeClient) CreateNotebook(ctx context.Context, title string) (NotebookInfo, error) {
	f.mu.Lock()
	f.createCalls++
	var err error
	if len(f.createErrs) > 0 {
		err = f.createErrs[0]
		f.createErrs = f.createErrs[1:]
	}
	release, started, delay := f.release, f.started, f.createDelay
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return NotebookInfo{}, ctx.Err()
		}
	}
	if delay > 0 {
		if err := sleepContext(ctx, delay); err != nil {
			return NotebookInfo{}, err
		}
	}
	if err != nil {
		return NotebookInfo{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	info := NotebookInfo{ID: fmt.Sprintf("nb_%d", f.nextID), Title: title, CreatedAt: time.Now().UTC()}
	f.notebooks[info.ID] = info
	return info, nil
}

func (f *fakeClient) GetNotebook(_ context.Context, notebookID string) (NotebookInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.notebooks[notebookID]
	if !ok {
		return NotebookInfo{}, ErrNotFound
	}
	return info, nil
}

func (f *fakeClient) ListNotebooks(context.Context) ([]NotebookInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]NotebookInfo, 0, len(f.notebooks))
	for _, nb := range f.notebooks {
		out = append(out, nb)
	}
	return out, nil
}

func (f *fakeClient) DeleteNotebook(_ context.Context, notebookID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, notebookID)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.notebooks, notebookID)
	return nil
}

func (f *fakeClient) AddSource(_ context.Context, notebookID string, source Source) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.notebooks[notebookID]; !ok {
		return "", ErrNotFound
	}
	f.sources[notebookID] = append(f.sources[notebookID], source)
	return fmt.Sprintf("src_%d", len(f.sources[notebookID])), nil
}

func (f *fakeClient) Ask(_ context.Context, notebookID string, question Question) (Answer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.notebooks[notebookID]; !ok {
		return Answer{}, ErrNotFound
	}
	f.asked = append(f.asked, question)
	return Answer{Text: f.answer, ConversationID: "conv_1"}, nil
}

func (f *fakeClient) Generate(_ context.Context, notebookID string, req GenerateRequest) (Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.notebooks[notebookID]; !ok {
		return Artifact{}, ErrNotFound
	}
	return Artifact{ID: "art_1", Kind: req.Kind}, nil
}

func (f *fakeClient) creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

func (f *fakeClient) notebookCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notebooks)
}

// orphan registers a notebook as if a crashed resolver had created it.
func (f *fakeClient) orphan(title string) NotebookInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	info := NotebookInfo{ID: fmt.Sprintf("nb_%d", f.nextID), Title: title}
	f.notebooks[info.ID] = info
	return info
}
