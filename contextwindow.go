package penguin

// Estimator counts tokens for budgeting. The default is a coarse
// character/4 heuristic; the tokenizer package provides a tiktoken-backed
// implementation for accurate counts.
type Estimator interface {
	Count(text string) int
}

// heuristicEstimator approximates tokens as len(text)/4, minimum 1 for
// non-empty text.
type heuristicEstimator struct{}

func (heuristicEstimator) Count(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// trimPlaceholder replaces an evicted tool result whose parent assistant
// message is still active, preserving the parent linkage.
const trimPlaceholder = "[earlier tool output omitted]"

// defaultBudgetFractions is the per-category split of MaxHistoryTokens
// when the caller does not configure one. The uncategorized share stays
// within the 5% invariant.
var defaultBudgetFractions = map[Category]float64{
	CategorySystem:       0.10,
	CategorySystemOutput: 0.05,
	CategoryContext:      0.25,
	CategoryDialog:       0.40,
	CategoryToolResult:   0.15,
}

// ContextWindowConfig sizes a ContextWindow.
type ContextWindowConfig struct {
	// MaxHistoryTokens is the global budget (model context minus
	// reserved output).
	MaxHistoryTokens int
	// BudgetFractions splits MaxHistoryTokens per category. Fractions
	// must sum to ≤ 1; the remainder (capped at 5%) absorbs
	// uncategorized admissions.
	BudgetFractions map[Category]float64
	// UncategorizedFraction sizes the budget for messages whose category
	// has no explicit fraction. Zero selects the 5% default; values above
	// 0.05 are clamped to it.
	UncategorizedFraction float64
	// MaxImages caps the image FIFO.
	MaxImages int
	// Estimator counts tokens. Nil selects the char/4 heuristic.
	Estimator Estimator
}

// defaultMaxHistoryTokens is the global budget when none is configured
// (model context minus output reserve for common 128K models).
const defaultMaxHistoryTokens = 100_000

// defaultMaxImages caps the image FIFO when none is configured.
const defaultMaxImages = 10

// cwEntry is one active message in the window.
type cwEntry struct {
	msg    Message
	tokens int
}

// ContextWindow is the token-budgeted, category-aware projection of a
// session used for the next model call. It is not internally locked:
// mutation is guarded by the session lock of the session it budgets.
type ContextWindow struct {
	est         Estimator
	maxTokens   int
	budgets     map[Category]int
	uncatBudget int
	// clamp, when > 0, overrides the sum of budgets for shared windows.
	clamp     int
	maxImages int

	// entries hold the active set in admission order.
	entries []*cwEntry
	perCat  map[Category]int
	total   int
	// images is a FIFO of message ids carrying images.
	images []int64
}

// NewContextWindow creates a window from the config, applying defaults
// for zero fields.
func NewContextWindow(cfg ContextWindowConfig) *ContextWindow {
	if cfg.MaxHistoryTokens <= 0 {
		cfg.MaxHistoryTokens = defaultMaxHistoryTokens
	}
	if cfg.MaxImages <= 0 {
		cfg.MaxImages = defaultMaxImages
	}
	fractions := cfg.BudgetFractions
	if fractions == nil {
		fractions = defaultBudgetFractions
	}
	est := cfg.Estimator
	if est == nil {
		est = heuristicEstimator{}
	}
	budgets := make(map[Category]int, len(fractions))
	for cat, f := range fractions {
		budgets[cat] = int(f * float64(cfg.MaxHistoryTokens))
	}
	uncat := cfg.UncategorizedFraction
	if uncat <= 0 || uncat > 0.05 {
		uncat = 0.05
	}
	return &ContextWindow{
		est:         est,
		maxTokens:   cfg.MaxHistoryTokens,
		budgets:     budgets,
		uncatBudget: int(uncat * float64(cfg.MaxHistoryTokens)),
		maxImages:   cfg.MaxImages,
		perCat:      make(map[Category]int),
	}
}

// SetClamp sets the shared-window token clamp. A clamp overrides the sum
// of per-category budgets as the global limit.
func (w *ContextWindow) SetClamp(maxTokens int) {
	w.clamp = maxTokens
}

// globalBudget is the effective total limit.
func (w *ContextWindow) globalBudget() int {
	if w.clamp > 0 && w.clamp < w.maxTokens {
		return w.clamp
	}
	return w.maxTokens
}

// budgetFor returns the token budget for a category. Unknown categories
// fall into the uncategorized remainder, capped at 5% of the total.
func (w *ContextWindow) budgetFor(cat Category) int {
	if b, ok := w.budgets[cat]; ok {
		return b
	}
	return w.uncatBudget
}

// Admit appends a message to the active set and trims until every
// category is within budget. SYSTEM messages are never evicted.
func (w *ContextWindow) Admit(msg Message) {
	tokens := msg.tokenCount
	if tokens == 0 {
		tokens = w.est.Count(msg.Content)
	}
	w.entries = append(w.entries, &cwEntry{msg: msg, tokens: tokens})
	w.perCat[msg.Category] += tokens
	w.total += tokens

	if msg.ImagePath != "" {
		w.images = append(w.images, msg.ID)
		if len(w.images) > w.maxImages {
			drop := w.images[0]
			w.images = w.images[1:]
			w.dropImage(drop)
		}
	}

	w.trimCategory(msg.Category)

	// Emergency fallback: a single large admission can exceed the global
	// budget even with every category individually within budget.
	for w.total > w.globalBudget() && w.trimOldestDialogPair() {
	}
}

// trimCategory evicts from the head of one category until within budget.
func (w *ContextWindow) trimCategory(cat Category) {
	if cat == CategorySystem {
		return
	}
	budget := w.budgetFor(cat)
	for w.perCat[cat] > budget {
		switch cat {
		case CategoryDialog:
			if !w.trimOldestDialogPair() {
				return
			}
		case CategoryToolResult:
			if !w.trimOldestToolResult() {
				return
			}
		default:
			if !w.evictOldest(cat) {
				return
			}
		}
	}
}

// evictOldest removes the oldest entry of a category outright.
func (w *ContextWindow) evictOldest(cat Category) bool {
	for i, e := range w.entries {
		if e.msg.Category == cat {
			w.removeAt(i)
			return true
		}
	}
	return false
}

// trimOldestToolResult evicts the oldest tool result. When the parent
// assistant message is still active, the result is replaced by a small
// placeholder so the linkage survives.
func (w *ContextWindow) trimOldestToolResult() bool {
	for i, e := range w.entries {
		if e.msg.Category != CategoryToolResult {
			continue
		}
		if e.msg.ParentID != 0 && w.hasMessage(e.msg.ParentID) {
			old := e.tokens
			e.msg.Content = trimPlaceholder
			e.tokens = w.est.Count(trimPlaceholder)
			w.perCat[CategoryToolResult] += e.tokens - old
			w.total += e.tokens - old
			if e.tokens >= old {
				// Placeholder did not shrink the entry; drop it to
				// guarantee forward progress.
				w.removeAt(i)
			}
			return true
		}
		w.removeAt(i)
		return true
	}
	return false
}

// trimOldestDialogPair removes the oldest user+assistant pair together to
// preserve turn coherence.
func (w *ContextWindow) trimOldestDialogPair() bool {
	userIdx := -1
	for i, e := range w.entries {
		if e.msg.Category == CategoryDialog && e.msg.Role == RoleUser {
			userIdx = i
			break
		}
	}
	if userIdx < 0 {
		// No full pair left; evict any dialog entry.
		return w.evictOldest(CategoryDialog)
	}
	w.removeAt(userIdx)
	for i, e := range w.entries[userIdx:] {
		if e.msg.Category == CategoryDialog && e.msg.Role == RoleAssistant {
			w.removeAt(userIdx + i)
			break
		}
	}
	return true
}

// removeAt drops one entry and updates the accounting.
func (w *ContextWindow) removeAt(i int) {
	e := w.entries[i]
	w.perCat[e.msg.Category] -= e.tokens
	w.total -= e.tokens
	w.entries = append(w.entries[:i], w.entries[i+1:]...)
}

// dropImage clears the image reference on an active entry once the FIFO
// rotates past it.
func (w *ContextWindow) dropImage(msgID int64) {
	for _, e := range w.entries {
		if e.msg.ID == msgID {
			e.msg.ImagePath = ""
			return
		}
	}
}

// hasMessage reports whether a message id is still active.
func (w *ContextWindow) hasMessage(id int64) bool {
	for _, e := range w.entries {
		if e.msg.ID == id {
			return true
		}
	}
	return false
}

// IsOverBudget reports whether the active set exceeds the global budget.
// Pure query; used by stop conditions.
func (w *ContextWindow) IsOverBudget() bool {
	return w.total > w.globalBudget()
}

// TotalTokens returns the current active token count.
func (w *ContextWindow) TotalTokens() int { return w.total }

// CategoryTokens returns the active token count for one category.
func (w *ContextWindow) CategoryTokens(cat Category) int { return w.perCat[cat] }

// Active returns the active messages in admission order.
func (w *ContextWindow) Active() []Message {
	out := make([]Message, len(w.entries))
	for i, e := range w.entries {
		out[i] = e.msg
	}
	return out
}
