package preference

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/letsmeetup/internal/model"
)

// Editor は1つのブラウザで編集中のフォームを保持する。
// 読み込みや保存に失敗しても、最後に正常だったフォームを保持し続ける。
type Editor struct {
	syncer   *Synchronizer
	mu       sync.Mutex
	identity *model.Identity
	form     Form
	loaded   bool
}

// NewEditor はEditorの新しいインスタンスを生成する。フォームはデフォルト値で始まる。
func NewEditor(s *Synchronizer, identity *model.Identity) *Editor {
	return &Editor{
		syncer:   s,
		identity: identity,
		form:     DefaultForm(),
	}
}

// Identity は編集対象のIdentityを返す。
func (e *Editor) Identity() *model.Identity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identity
}

// Loaded は一度でも読み込みに成功したかを返す。
func (e *Editor) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

// Form は編集中のフォームのコピーを返す。
func (e *Editor) Form() Form {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.form.Clone()
}

// Load はリモートの状態を読み込み、フォームを置き換える。
// Identityがない場合は何もしない。失敗した場合はフォームを変更せずにエラーを返す。
func (e *Editor) Load(ctx context.Context) (Form, error) {
	identity := e.Identity()
	if identity == nil {
		return e.Form(), nil
	}

	form, err := e.syncer.Load(ctx, identity)
	if err != nil {
		return e.Form(), err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.form = form
	e.loaded = true
	return form.Clone(), nil
}

// Replace はフォームを置き換える。
func (e *Editor) Replace(form Form) Form {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.form = form.normalized()
	return e.form.Clone()
}

// Toggle はカテゴリの選択リストでvalueの有無を切り替える。
func (e *Editor) Toggle(category Category, value string) (Form, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	next, err := e.form.Toggle(category, value)
	if err != nil {
		return e.form.Clone(), err
	}
	e.form = next
	return next.Clone(), nil
}

// Save は編集中のフォームを保存し、確認済みの状態でフォームを置き換える。
// 失敗した場合は編集中のフォームをそのまま保持する。
func (e *Editor) Save(ctx context.Context) (Form, error) {
	e.mu.Lock()
	identity := e.identity
	form := e.form.Clone()
	e.mu.Unlock()

	confirmed, err := e.syncer.Save(ctx, identity, form)
	if err != nil {
		return form, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.form = confirmed
	e.loaded = true
	return confirmed.Clone(), nil
}

// setIdentity は同じユーザーのIdentity更新（メタデータの変更など）を反映する。
func (e *Editor) setIdentity(identity *model.Identity) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.identity = identity
}

type editorEntry struct {
	editor   *Editor
	lastSeen time.Time
}

// Editors はブラウザIDごとにEditorを保持する。
// ログインユーザーが変わった場合はEditorを作り直す。
type Editors struct {
	syncer      *Synchronizer
	idleTimeout time.Duration
	now         func() time.Time

	mu      sync.Mutex
	entries map[string]*editorEntry
}

// NewEditors はEditorsの新しいインスタンスを生成する。
func NewEditors(s *Synchronizer, idleTimeout time.Duration) *Editors {
	return &Editors{
		syncer:      s,
		idleTimeout: idleTimeout,
		now:         time.Now,
		entries:     make(map[string]*editorEntry),
	}
}

// For はブラウザIDとIdentityに対応するEditorを返す。
func (es *Editors) For(browserID string, identity *model.Identity) *Editor {
	es.mu.Lock()
	defer es.mu.Unlock()

	if e, ok := es.entries[browserID]; ok {
		current := e.editor.Identity()
		if sameUser(current, identity) {
			e.editor.setIdentity(identity)
			e.lastSeen = es.now()
			return e.editor
		}
	}

	editor := NewEditor(es.syncer, identity)
	es.entries[browserID] = &editorEntry{editor: editor, lastSeen: es.now()}
	return editor
}

// Remove はブラウザIDのEditorを破棄する。
func (es *Editors) Remove(browserID string) {
	es.mu.Lock()
	defer es.mu.Unlock()
	delete(es.entries, browserID)
}

// Sweep はnow時点でidleTimeoutを超えて使われていないEditorを破棄し、破棄した数を返す。
func (es *Editors) Sweep(now time.Time) int {
	es.mu.Lock()
	defer es.mu.Unlock()
	removed := 0
	for id, e := range es.entries {
		if now.Sub(e.lastSeen) > es.idleTimeout {
			delete(es.entries, id)
			removed++
		}
	}
	return removed
}

// Len は保持しているEditorの数を返す。
func (es *Editors) Len() int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return len(es.entries)
}

func sameUser(a, b *model.Identity) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ID == b.ID
}
