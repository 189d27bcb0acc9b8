package viewer

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/glasshouse-dev/glasshouse/internal/model"
)

// Default buffer capacities. Tuned for what a watch panel can usefully show.
const (
	DefaultTerminalCap = 200
	DefaultThinkingCap = 50
	DefaultChatCap     = 100
	DefaultTimelineCap = 30
)

// TerminalLine is one rendered terminal entry.
type TerminalLine struct {
	Seq      int64
	Line     string
	Severity string
	At       time.Time
}

// ThinkingBlock is one rendered reasoning entry. The most recent block is the
// focused one; older blocks render dimmed, a property derived from position,
// not stored.
type ThinkingBlock struct {
	Seq         int64
	Text        string
	ThoughtType string
	At          time.Time
}

// ChatMessage is one rendered chat entry.
type ChatMessage struct {
	Seq    int64
	Author string
	Role   string
	Text   string
	At     time.Time
}

// WritingDoc is the current state of the writing panel. Each writing event
// replaces the document; history lives in the log, not here.
type WritingDoc struct {
	Title     string
	Content   string
	Revisions int
	UpdatedAt time.Time
}

// CodeFile is one entry in the code file map. Tombstoned entries keep their
// last content so a delete renders as a struck-through file rather than a
// silent disappearance.
type CodeFile struct {
	Filename   string
	Language   string
	Content    string
	Action     model.CodeAction
	Tombstoned bool
	UpdatedAt  time.Time

	anim Animation
}

// Displayed returns the content visible at the given instant, honoring any
// in-flight typing animation.
func (f *CodeFile) Displayed(now time.Time) string {
	return f.anim.RevealedAt(now)
}

// IsTyping reports whether the typing animation is still revealing content.
func (f *CodeFile) IsTyping(now time.Time) bool {
	return !f.anim.DoneAt(now)
}

// GenerationItem is one attempt on a generation timeline.
type GenerationItem struct {
	GenerationID uuid.UUID
	Kind         model.Kind
	Title        string
	Prompt       string
	URL          string
	Fragment     string
	Status       model.GenStatus
	Progress     int
	StartedAt    time.Time
	FinishedAt   *time.Time
}

// GenerationTimeline tracks the attempts for one generative kind. The active
// item is the one the panel shows front and center; prior items remain
// browsable until they age out of the bounded list.
type GenerationTimeline struct {
	items  []*GenerationItem
	active *GenerationItem
	cap    int
}

// Items returns the timeline oldest-first.
func (t *GenerationTimeline) Items() []*GenerationItem { return t.items }

// Active returns the item the panel should feature, or nil if the session has
// produced nothing of this kind.
func (t *GenerationTimeline) Active() *GenerationItem { return t.active }

func (t *GenerationTimeline) findByID(id uuid.UUID) *GenerationItem {
	if id == uuid.Nil {
		return nil
	}
	for _, item := range t.items {
		if item.GenerationID == id {
			return item
		}
	}
	return nil
}

// lastInFlight returns the most recently started item still generating.
// Fallback correlation for completions that carry no generation_id.
func (t *GenerationTimeline) lastInFlight() *GenerationItem {
	for i := len(t.items) - 1; i >= 0; i-- {
		if t.items[i].Status == model.GenStatusGenerating {
			return t.items[i]
		}
	}
	return nil
}

func (t *GenerationTimeline) push(item *GenerationItem) {
	t.items = append(t.items, item)
	if len(t.items) > t.cap {
		copy(t.items, t.items[1:])
		t.items[len(t.items)-1] = nil
		t.items = t.items[:t.cap]
	}
}

// Caps configures buffer capacities. Zero fields take the defaults.
type Caps struct {
	Terminal int
	Thinking int
	Chat     int
	Timeline int
}

func (c Caps) withDefaults() Caps {
	if c.Terminal <= 0 {
		c.Terminal = DefaultTerminalCap
	}
	if c.Thinking <= 0 {
		c.Thinking = DefaultThinkingCap
	}
	if c.Chat <= 0 {
		c.Chat = DefaultChatCap
	}
	if c.Timeline <= 0 {
		c.Timeline = DefaultTimelineCap
	}
	return c
}

// Reconstructor turns an ordered, deduplicated event stream into renderable
// state: bounded line buffers, a code file map, a writing document, and
// generation timelines. One instance serves one viewer and one session; it is
// not safe for concurrent use (the manager's run loop is the single writer).
//
// Callers must dedupe by sequence number before Apply: replay and live are
// two delivery paths for the same events.
type Reconstructor struct {
	clock Clock

	terminal *Ring[TerminalLine]
	thinking *Ring[ThinkingBlock]
	chat     *Ring[ChatMessage]
	writing  *WritingDoc
	files    map[string]*CodeFile
	timeline map[model.Kind]*GenerationTimeline
	caps     Caps
}

// NewReconstructor creates an empty reconstructor. A nil clock uses real time.
func NewReconstructor(clock Clock, caps Caps) *Reconstructor {
	if clock == nil {
		clock = SystemClock{}
	}
	caps = caps.withDefaults()
	return &Reconstructor{
		clock:    clock,
		terminal: NewRing[TerminalLine](caps.Terminal),
		thinking: NewRing[ThinkingBlock](caps.Thinking),
		chat:     NewRing[ChatMessage](caps.Chat),
		files:    make(map[string]*CodeFile),
		timeline: make(map[model.Kind]*GenerationTimeline),
		caps:     caps,
	}
}

// Apply merges one event into the reconstructed state. live distinguishes the
// delivery path: only live deliveries animate. Replayed events render
// complete immediately no matter how recent they are; the flag comes from the
// delivery path, never from guessing at timestamps.
func (r *Reconstructor) Apply(ev model.Event, live bool) {
	switch ev.Kind {
	case model.KindTerminal:
		p := model.DecodeTerminal(ev)
		r.terminal.Push(TerminalLine{
			Seq: ev.Seq, Line: p.Line, Severity: p.Severity, At: ev.CreatedAt,
		})

	case model.KindThinking:
		p := model.DecodeThinking(ev)
		r.thinking.Push(ThinkingBlock{
			Seq: ev.Seq, Text: p.Text, ThoughtType: p.ThoughtType, At: ev.CreatedAt,
		})

	case model.KindChat:
		p := model.DecodeChat(ev)
		r.chat.Push(ChatMessage{
			Seq: ev.Seq, Author: p.Author, Role: p.Role, Text: p.Text, At: ev.CreatedAt,
		})

	case model.KindWriting:
		p := model.DecodeWriting(ev)
		doc := r.writing
		if doc == nil {
			doc = &WritingDoc{}
			r.writing = doc
		}
		doc.Title = p.Title
		doc.Content = p.Content
		doc.Revisions++
		doc.UpdatedAt = ev.CreatedAt

	case model.KindCode:
		r.applyCode(ev, live)

	case model.KindImage, model.KindVideo, model.KindMusic, model.KindShader:
		r.applyGeneration(ev)
	}
}

func (r *Reconstructor) applyCode(ev model.Event, live bool) {
	p := model.DecodeCode(ev)

	if p.Action == model.CodeActionDelete {
		if f, ok := r.files[p.Filename]; ok {
			f.Tombstoned = true
			f.Action = model.CodeActionDelete
			f.UpdatedAt = ev.CreatedAt
			f.anim = CompletedAnimation(f.Content)
		} else {
			// Delete for a file we never saw (it scrolled out of the tail).
			// Record the tombstone so the panel shows it existed.
			r.files[p.Filename] = &CodeFile{
				Filename:   p.Filename,
				Language:   p.Language,
				Action:     model.CodeActionDelete,
				Tombstoned: true,
				UpdatedAt:  ev.CreatedAt,
			}
		}
		return
	}

	f, ok := r.files[p.Filename]
	if !ok {
		f = &CodeFile{Filename: p.Filename}
		r.files[p.Filename] = f
	}

	var anim Animation
	if live {
		// Animate only the delta: everything up to the first changed
		// character is already on screen.
		prev := f.Displayed(r.clock.Now())
		anim = NewAnimation(p.Content, commonPrefixLen(prev, p.Content), r.clock.Now())
	} else {
		anim = CompletedAnimation(p.Content)
	}

	f.Language = p.Language
	f.Content = p.Content
	f.Action = p.Action
	f.Tombstoned = false
	f.UpdatedAt = ev.CreatedAt
	f.anim = anim
}

func (r *Reconstructor) applyGeneration(ev model.Event) {
	p := model.DecodeGeneration(ev)

	t, ok := r.timeline[ev.Kind]
	if !ok {
		t = &GenerationTimeline{cap: r.caps.Timeline}
		r.timeline[ev.Kind] = t
	}

	if p.Status == model.GenStatusGenerating {
		if item := t.findByID(p.GenerationID); item != nil {
			// Progress update for an in-flight generation, not a new attempt.
			item.Progress = p.Progress
			if p.URL != "" {
				item.URL = p.URL
			}
			if p.Fragment != "" {
				item.Fragment = p.Fragment
			}
			t.active = item
			return
		}
		item := &GenerationItem{
			GenerationID: p.GenerationID,
			Kind:         ev.Kind,
			Title:        p.Title,
			Prompt:       p.Prompt,
			URL:          p.URL,
			Fragment:     p.Fragment,
			Status:       model.GenStatusGenerating,
			Progress:     p.Progress,
			StartedAt:    ev.CreatedAt,
		}
		t.push(item)
		t.active = item
		return
	}

	// Completion or failure. Correlate by generation_id, falling back to the
	// most recent in-flight item when the producer omitted it. A generating →
	// complete pair is one timeline entry, never two.
	item := t.findByID(p.GenerationID)
	if item == nil {
		item = t.lastInFlight()
	}
	if item == nil {
		// Completion with no visible antecedent (the generating event aged
		// out of the tail, or arrived out of scope). Surface it as a
		// finished entry rather than dropping the result.
		item = &GenerationItem{
			GenerationID: p.GenerationID,
			Kind:         ev.Kind,
			StartedAt:    ev.CreatedAt,
		}
		t.push(item)
	}

	item.Status = p.Status
	if p.Title != "" {
		item.Title = p.Title
	}
	if p.Prompt != "" {
		item.Prompt = p.Prompt
	}
	if p.URL != "" {
		item.URL = p.URL
	}
	if p.Fragment != "" {
		item.Fragment = p.Fragment
	}
	if p.Status == model.GenStatusComplete {
		item.Progress = 100
	}
	finished := ev.CreatedAt
	item.FinishedAt = &finished
	t.active = item
}

// TerminalLines returns the terminal buffer oldest-first.
func (r *Reconstructor) TerminalLines() []TerminalLine { return r.terminal.Items() }

// ThinkingBlocks returns the reasoning buffer oldest-first.
func (r *Reconstructor) ThinkingBlocks() []ThinkingBlock { return r.thinking.Items() }

// ChatMessages returns the chat buffer oldest-first.
func (r *Reconstructor) ChatMessages() []ChatMessage { return r.chat.Items() }

// Writing returns the current writing document, or nil if the session has no
// writing events. Nil is the defined empty state, not an error.
func (r *Reconstructor) Writing() *WritingDoc { return r.writing }

// File returns the file map entry for filename, or nil.
func (r *Reconstructor) File(filename string) *CodeFile { return r.files[filename] }

// Files returns all file map entries sorted by filename for stable rendering.
func (r *Reconstructor) Files() []*CodeFile {
	out := make([]*CodeFile, 0, len(r.files))
	for _, f := range r.files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out
}

// Timeline returns the generation timeline for a generative kind. A kind with
// no events returns an empty timeline.
func (r *Reconstructor) Timeline(kind model.Kind) *GenerationTimeline {
	if t, ok := r.timeline[kind]; ok {
		return t
	}
	return &GenerationTimeline{cap: r.caps.Timeline}
}
