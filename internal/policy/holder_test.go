package policy

import (
	"sync"
	"testing"

	"github.com/ppiankov/rmacd/internal/model"
)

func TestHolderSwap(t *testing.T) {
	readOnly := threeD(map[model.DataClassification][]model.Operation{
		model.Public: {model.Read},
	})
	h, err := NewHolder(readOnly)
	if err != nil {
		t.Fatalf("NewHolder: %v", err)
	}

	d, _ := h.Evaluate(model.Move, model.Public, nil)
	if d.Allowed {
		t.Fatal("move is not granted before the swap")
	}

	readMove := threeD(map[model.DataClassification][]model.Operation{
		model.Public: {model.Read, model.Move},
	})
	readMove.ID = "rmacd-3d-read-move"
	old, err := h.Swap(readMove)
	if err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if old.ProfileID() != "rmacd-3d-test" {
		t.Errorf("expected old evaluator returned, got %s", old.ProfileID())
	}

	d, _ = h.Evaluate(model.Move, model.Public, nil)
	if !d.Allowed || d.ProfileID != "rmacd-3d-read-move" {
		t.Errorf("expected move allowed by new profile, got %+v", d)
	}

	if _, err := h.Swap(nil); err == nil {
		t.Error("expected error swapping in a nil profile")
	}
	if h.Load().ProfileID() != "rmacd-3d-read-move" {
		t.Error("a failed swap must keep the current evaluator")
	}
}

func TestHolderConcurrentEvaluate(t *testing.T) {
	h, err := NewHolder(threeD(map[model.DataClassification][]model.Operation{
		model.Internal: {model.Read},
	}))
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, err := h.Evaluate(model.Read, model.Internal, nil); err != nil {
					t.Errorf("evaluate: %v", err)
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			_, _ = h.Swap(threeD(map[model.DataClassification][]model.Operation{
				model.Internal: {model.Read, model.Move},
			}))
		}()
	}
	wg.Wait()
}
