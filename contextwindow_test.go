package penguin

import (
	"strings"
	"testing"
)

// wordEstimator counts whitespace-separated words, making test budgets
// easy to reason about.
type wordEstimator struct{}

func (wordEstimator) Count(text string) int { return len(strings.Fields(text)) }

func testWindow(maxTokens int) *ContextWindow {
	return NewContextWindow(ContextWindowConfig{
		MaxHistoryTokens: maxTokens,
		Estimator:        wordEstimator{},
		BudgetFractions: map[Category]float64{
			CategorySystem:       0.10,
			CategorySystemOutput: 0.05,
			CategoryContext:      0.25,
			CategoryDialog:       0.40,
			CategoryToolResult:   0.15,
		},
	})
}

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("w ", n))
}

func TestWindowAdmitAccounting(t *testing.T) {
	w := testWindow(100)
	w.Admit(Message{ID: 1, Role: RoleUser, Category: CategoryDialog, Content: words(10)})
	if got := w.TotalTokens(); got != 10 {
		t.Errorf("TotalTokens = %d, want 10", got)
	}
	if got := w.CategoryTokens(CategoryDialog); got != 10 {
		t.Errorf("CategoryTokens = %d, want 10", got)
	}
}

func TestWindowSystemNeverEvicted(t *testing.T) {
	w := testWindow(100) // system budget 10
	w.Admit(Message{ID: 1, Role: RoleSystem, Category: CategorySystem, Content: words(50)})
	w.Admit(Message{ID: 2, Role: RoleSystem, Category: CategorySystem, Content: words(50)})

	active := w.Active()
	if len(active) != 2 {
		t.Fatalf("active = %d messages, want 2: SYSTEM is never trimmed", len(active))
	}
	for _, m := range active {
		if m.Category != CategorySystem {
			t.Errorf("unexpected category %s", m.Category)
		}
	}
}

func TestWindowDialogTrimsInPairs(t *testing.T) {
	w := testWindow(100) // dialog budget 40
	var id int64
	add := func(role Role, n int) {
		id++
		w.Admit(Message{ID: id, Role: role, Category: CategoryDialog, Content: words(n)})
	}
	add(RoleUser, 10)      // 1
	add(RoleAssistant, 10) // 2
	add(RoleUser, 10)      // 3
	add(RoleAssistant, 10) // 4
	add(RoleUser, 10)      // 5: over budget, oldest pair goes

	active := w.Active()
	if len(active) != 3 {
		t.Fatalf("active = %d messages, want 3", len(active))
	}
	if active[0].ID != 3 {
		t.Errorf("oldest surviving id = %d, want 3 (pair 1+2 trimmed together)", active[0].ID)
	}
	if w.CategoryTokens(CategoryDialog) != 30 {
		t.Errorf("dialog tokens = %d, want 30", w.CategoryTokens(CategoryDialog))
	}
}

func TestWindowToolResultPlaceholder(t *testing.T) {
	w := testWindow(100) // tool budget 15
	w.Admit(Message{ID: 1, Role: RoleAssistant, Category: CategoryDialog, Content: words(5)})
	w.Admit(Message{ID: 2, Role: RoleTool, Category: CategoryToolResult, ParentID: 1, Content: words(8)})
	w.Admit(Message{ID: 3, Role: RoleTool, Category: CategoryToolResult, ParentID: 1, Content: words(10)})

	var placeholders int
	for _, m := range w.Active() {
		if m.Category == CategoryToolResult && m.Content == trimPlaceholder {
			placeholders++
			if m.ParentID != 1 {
				t.Errorf("placeholder lost parent linkage: %d", m.ParentID)
			}
		}
	}
	if placeholders == 0 {
		t.Error("expected an evicted tool result to leave a placeholder while its parent is active")
	}
}

func TestWindowContextEvictedOutright(t *testing.T) {
	w := testWindow(100) // context budget 25
	w.Admit(Message{ID: 1, Category: CategoryContext, Content: words(20)})
	w.Admit(Message{ID: 2, Category: CategoryContext, Content: words(20)})

	active := w.Active()
	if len(active) != 1 || active[0].ID != 2 {
		t.Fatalf("active = %+v, want only the newest context message", active)
	}
}

func TestWindowImageFIFO(t *testing.T) {
	w := NewContextWindow(ContextWindowConfig{
		MaxHistoryTokens: 1000,
		MaxImages:        2,
		Estimator:        wordEstimator{},
	})
	for i := int64(1); i <= 3; i++ {
		w.Admit(Message{ID: i, Category: CategoryDialog, Role: RoleUser, Content: "look", ImagePath: "/img.png"})
	}

	withImages := 0
	for _, m := range w.Active() {
		if m.ImagePath != "" {
			withImages++
		}
	}
	if withImages != 2 {
		t.Errorf("messages with images = %d, want 2 (oldest rotated out)", withImages)
	}
}

func TestWindowClamp(t *testing.T) {
	w := testWindow(100)
	w.SetClamp(20)
	w.Admit(Message{ID: 1, Role: RoleUser, Category: CategoryDialog, Content: words(15)})
	w.Admit(Message{ID: 2, Role: RoleAssistant, Category: CategoryDialog, Content: words(15)})

	if w.TotalTokens() > 20 {
		t.Errorf("total = %d, want clamped to 20", w.TotalTokens())
	}
}

func TestWindowIsOverBudget(t *testing.T) {
	w := testWindow(100)
	if w.IsOverBudget() {
		t.Error("empty window over budget")
	}
	// SYSTEM is exempt from trimming, so it can push the total over.
	w.Admit(Message{ID: 1, Role: RoleSystem, Category: CategorySystem, Content: words(150)})
	if !w.IsOverBudget() {
		t.Error("window with 150 system tokens not over its 100 budget")
	}
}

func TestWindowUncategorizedBudget(t *testing.T) {
	w := NewContextWindow(ContextWindowConfig{
		MaxHistoryTokens:      100,
		Estimator:             wordEstimator{},
		UncategorizedFraction: 0.02, // 2 tokens
		BudgetFractions: map[Category]float64{
			CategoryDialog: 0.40,
		},
	})
	w.Admit(Message{ID: 1, Category: Category("scratch"), Content: words(2)})
	w.Admit(Message{ID: 2, Category: Category("scratch"), Content: words(2)})

	active := w.Active()
	if len(active) != 1 || active[0].ID != 2 {
		t.Fatalf("active = %+v, want the oldest uncategorized message evicted", active)
	}

	// Fractions above 5% clamp back to the 5% ceiling.
	w = NewContextWindow(ContextWindowConfig{
		MaxHistoryTokens:      100,
		Estimator:             wordEstimator{},
		UncategorizedFraction: 0.50,
	})
	if got := w.budgetFor(Category("scratch")); got != 5 {
		t.Errorf("uncategorized budget = %d, want clamped to 5", got)
	}
}

func TestHeuristicEstimator(t *testing.T) {
	est := heuristicEstimator{}
	if got := est.Count(""); got != 0 {
		t.Errorf("empty = %d", got)
	}
	if got := est.Count("ab"); got != 1 {
		t.Errorf("short = %d, want minimum 1", got)
	}
	if got := est.Count(strings.Repeat("x", 40)); got != 10 {
		t.Errorf("40 chars = %d, want 10", got)
	}
}
