package layout

import (
	"strconv"
	"strings"

	"controlbar-mcp-server/internal/config"
)

// Planner turns a snapshot and the stored ranks into a Plan. It is a pure
// function of its inputs: the same snapshot and ranks always give the same plan.
type Planner struct {
	cfg        config.LayoutConfig
	classifier *Classifier
}

func NewPlanner(cfg config.LayoutConfig) *Planner {
	return &Planner{cfg: cfg, classifier: NewClassifier(cfg)}
}

// Classifier exposes the classifier the planner uses.
func (p *Planner) Classifier() *Classifier {
	return p.classifier
}

// Query is the snapshot request matching this planner's contract.
func (p *Planner) Query() Query {
	pinned := make([]string, 0, len(p.cfg.RightGroupIDs)+1)
	if p.cfg.FixedLeftID != "" {
		pinned = append(pinned, p.cfg.FixedLeftID)
	}
	pinned = append(pinned, p.cfg.RightGroupIDs...)
	return Query{
		FormID:           p.cfg.FormID,
		InputID:          p.cfg.InputID,
		BarID:            p.cfg.BarID,
		FixedLeftSlotID:  p.cfg.FixedLeftSlotID,
		RightGroupSlotID: p.cfg.RightGroupSlotID,
		PinnedIDs:        pinned,
		Sources:          append([]string(nil), p.cfg.Sources...),
	}
}

// Plan computes the writes needed to reach the target layout.
func (p *Planner) Plan(snap Snapshot, ranks map[string]int) Plan {
	if !snap.Bar.Present && !snap.FormPresent {
		return Plan{Skipped: true}
	}

	var plan Plan
	cfg := p.cfg

	// Containers, check-before-create.
	if !snap.Bar.Present {
		plan.Create = append(plan.Create, ContainerSpec{ID: cfg.BarID, ParentID: cfg.FormID})
	}
	if !snap.FixedLeftSlot.Present {
		plan.Create = append(plan.Create, ContainerSpec{ID: cfg.FixedLeftSlotID, ParentID: cfg.BarID})
	} else if snap.FixedLeftSlot.ParentID != cfg.BarID {
		plan.Moves = append(plan.Moves, Move{ID: cfg.FixedLeftSlotID, To: cfg.BarID})
	}
	if !snap.RightGroupSlot.Present {
		plan.Create = append(plan.Create, ContainerSpec{ID: cfg.RightGroupSlotID, ParentID: cfg.BarID})
	} else if snap.RightGroupSlot.ParentID != cfg.BarID {
		plan.Moves = append(plan.Moves, Move{ID: cfg.RightGroupSlotID, To: cfg.BarID})
	}

	// Reserved identifiers win regardless of where producers put them.
	pinnedSeen := make(map[string]bool, len(snap.Pinned))
	for _, cand := range snap.Pinned {
		if pinnedSeen[cand.ID] {
			continue
		}
		pinnedSeen[cand.ID] = true
		switch p.classifier.Classify(cand).Category {
		case FixedLeft:
			if cand.ParentID != cfg.FixedLeftSlotID {
				plan.Moves = append(plan.Moves, Move{ID: cand.ID, To: cfg.FixedLeftSlotID})
			}
		case RightGroup:
			if cand.ParentID != cfg.RightGroupSlotID {
				plan.Moves = append(plan.Moves, Move{ID: cand.ID, To: cfg.RightGroupSlotID})
			}
		}
	}

	discovered := make(map[string]bool)
	resolve := func(id string) int {
		if rank, ok := ranks[id]; ok {
			return rank
		}
		if !discovered[id] {
			discovered[id] = true
			plan.Discovered = append(plan.Discovered, id)
		}
		return cfg.DefaultRank
	}

	// Bar members already in place keep their position; restyle only when stale.
	handled := make(map[string]bool)
	for _, cand := range snap.Members {
		cls := p.classifier.Classify(cand)
		if cls.Category != Ignored || cls.Reason != ReasonInPlace || handled[cand.ID] {
			continue
		}
		handled[cand.ID] = true
		rank := resolve(cand.ID)
		if want := p.styleOrder(rank); cand.Order != strconv.Itoa(want) {
			plan.Orders = append(plan.Orders, OrderWrite{ID: cand.ID, Order: want})
		}
		plan.Members = append(plan.Members, Member{ID: cand.ID, Title: cand.Title, Rank: rank})
	}

	// Source scan in declared order; the snapshot already dropped overlaps.
	for _, cand := range snap.Candidates {
		if handled[cand.ID] {
			continue
		}
		if p.classifier.Classify(cand).Category != Dynamic {
			continue
		}
		handled[cand.ID] = true
		rank := resolve(cand.ID)
		plan.Moves = append(plan.Moves, Move{ID: cand.ID, To: cfg.BarID})
		if want := p.styleOrder(rank); cand.Order != strconv.Itoa(want) {
			plan.Orders = append(plan.Orders, OrderWrite{ID: cand.ID, Order: want})
		}
		plan.Members = append(plan.Members, Member{ID: cand.ID, Title: cand.Title, Rank: rank})
	}

	// Pin the slots to the extreme order values, overriding stale styling.
	if snap.FixedLeftSlot.Order != strconv.Itoa(cfg.PinFirst) {
		plan.Orders = append(plan.Orders, OrderWrite{ID: cfg.FixedLeftSlotID, Order: cfg.PinFirst})
	}
	if snap.RightGroupSlot.Order != strconv.Itoa(cfg.PinLast) {
		plan.Orders = append(plan.Orders, OrderWrite{ID: cfg.RightGroupSlotID, Order: cfg.PinLast})
	}

	return plan
}

// styleOrder keeps a dynamic element strictly between the pins even when the
// stored rank says otherwise. The stored rank itself is left alone.
func (p *Planner) styleOrder(rank int) int {
	if rank <= p.cfg.PinFirst {
		return p.cfg.PinFirst + 1
	}
	if rank >= p.cfg.PinLast {
		return p.cfg.PinLast - 1
	}
	return rank
}

// ParseRank parses user input into a rank strictly between the pins.
func ParseRank(raw string, cfg config.LayoutConfig) (int, error) {
	rank, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, ErrInvalidRank
	}
	if rank <= cfg.PinFirst || rank >= cfg.PinLast {
		return 0, ErrInvalidRank
	}
	return rank, nil
}
