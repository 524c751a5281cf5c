package layout

import (
	"strings"

	"controlbar-mcp-server/internal/config"
)

// Category is the placement class of an element. It is derived on every
// pass and never stored.
type Category int

const (
	Ignored Category = iota
	FixedLeft
	RightGroup
	Dynamic
)

func (c Category) String() string {
	switch c {
	case FixedLeft:
		return "fixed-left"
	case RightGroup:
		return "right-group"
	case Dynamic:
		return "dynamic"
	default:
		return "ignored"
	}
}

// Reason explains an Ignored classification.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonNoID      Reason = "no-id"
	ReasonDenied    Reason = "denied"
	ReasonFileInput Reason = "file-input"
	ReasonInPlace   Reason = "in-place"
)

// Classification is the result of classifying one candidate.
type Classification struct {
	Category Category `json:"category"`
	Reason   Reason   `json:"reason,omitempty"`
}

// Classifier maps candidates to categories using the static identifier lists.
type Classifier struct {
	fixedLeftID string
	rightGroup  map[string]int
	denied      map[string]bool
	barID       string
}

// NewClassifier builds a classifier from the layout contract. The container
// ids are always denied so the engine never relocates its own anchors.
func NewClassifier(cfg config.LayoutConfig) *Classifier {
	c := &Classifier{
		fixedLeftID: cfg.FixedLeftID,
		rightGroup:  make(map[string]int, len(cfg.RightGroupIDs)),
		denied:      make(map[string]bool, len(cfg.Denylist)+3),
		barID:       cfg.BarID,
	}
	for i, id := range cfg.RightGroupIDs {
		c.rightGroup[id] = i
	}
	for _, id := range cfg.Denylist {
		c.denied[id] = true
	}
	c.denied[cfg.BarID] = true
	c.denied[cfg.FixedLeftSlotID] = true
	c.denied[cfg.RightGroupSlotID] = true
	return c
}

// Classify has no side effects.
func (c *Classifier) Classify(cand Candidate) Classification {
	switch {
	case cand.ID == "":
		return Classification{Category: Ignored, Reason: ReasonNoID}
	case cand.ID == c.fixedLeftID:
		return Classification{Category: FixedLeft}
	case c.inRightGroup(cand.ID):
		return Classification{Category: RightGroup}
	case c.denied[cand.ID]:
		return Classification{Category: Ignored, Reason: ReasonDenied}
	case isFileInput(cand):
		return Classification{Category: Ignored, Reason: ReasonFileInput}
	case cand.ParentID == c.barID:
		return Classification{Category: Ignored, Reason: ReasonInPlace}
	default:
		return Classification{Category: Dynamic}
	}
}

func (c *Classifier) inRightGroup(id string) bool {
	_, ok := c.rightGroup[id]
	return ok
}

func isFileInput(cand Candidate) bool {
	return strings.EqualFold(cand.Tag, "input") && strings.EqualFold(cand.Type, "file")
}
