package sequencer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/eddiefleurent/option_ledger/internal/models"
)

// Remark delimiters.
const (
	FieldSeparator = "|"
	LegSeparator   = models.PairSeparator
)

// Envelope is the "strategyID|actionID|continuation" remark every order
// command carries and every resulting deal echoes back.
type Envelope struct {
	StrategyID   string
	ActionID     string
	Continuation string
}

// ParseEnvelope splits a remark. Missing fields are left empty.
func ParseEnvelope(remark string) Envelope {
	parts := strings.SplitN(strings.TrimSpace(remark), FieldSeparator, 3)
	var e Envelope
	switch len(parts) {
	case 3:
		e.Continuation = parts[2]
		fallthrough
	case 2:
		e.ActionID = parts[1]
		fallthrough
	case 1:
		e.StrategyID = parts[0]
	}
	return e
}

// String formats the envelope; an empty continuation is omitted.
func (e Envelope) String() string {
	if e.Continuation == "" {
		return e.StrategyID + FieldSeparator + e.ActionID
	}
	return e.StrategyID + FieldSeparator + e.ActionID + FieldSeparator + e.Continuation
}

// RouteKey returns the strategy a remark belongs to.
func RouteKey(remark string) string {
	return ParseEnvelope(remark).StrategyID
}

// OpenContinuation asks to pair a freshly opened leg with a held peer:
// "peerSymbol|nextInfo". The last field of nextInfo, when it is 1 or -1,
// names the peer's side.
type OpenContinuation struct {
	Peer    string
	Info    string
	Side    models.Direction
	HasSide bool
}

// ParseOpenContinuation parses s; ok is false when it names no peer.
func ParseOpenContinuation(s string) (OpenContinuation, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return OpenContinuation{}, false
	}
	parts := strings.SplitN(s, FieldSeparator, 2)
	oc := OpenContinuation{Peer: strings.TrimSpace(parts[0])}
	if oc.Peer == "" {
		return OpenContinuation{}, false
	}
	if len(parts) == 2 {
		oc.Info = parts[1]
		fields := strings.Split(oc.Info, FieldSeparator)
		if d, err := models.ParseDirection(fields[len(fields)-1]); err == nil {
			oc.Side, oc.HasSide = d, true
		}
	}
	return oc, true
}

// PeerSide returns the requested side of the peer, defaulting to the side
// opposite the opened leg.
func (oc OpenContinuation) PeerSide(opened models.Direction) models.Direction {
	if oc.HasSide {
		return oc.Side
	}
	return opened.Opposite()
}

// String formats the continuation.
func (oc OpenContinuation) String() string {
	if oc.Info == "" && oc.HasSide {
		return oc.Peer + FieldSeparator + strconv.Itoa(int(oc.Side))
	}
	if oc.Info == "" {
		return oc.Peer
	}
	return oc.Peer + FieldSeparator + oc.Info
}

// CloseContinuation asks to open NewSymbol after a close, threading Opposite
// forward as the new order's continuation: "newSymbol|opposite".
type CloseContinuation struct {
	NewSymbol string
	Opposite  string
}

// ParseCloseContinuation parses s; ok is false when it names no symbol.
func ParseCloseContinuation(s string) (CloseContinuation, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return CloseContinuation{}, false
	}
	parts := strings.SplitN(s, FieldSeparator, 2)
	cc := CloseContinuation{NewSymbol: strings.TrimSpace(parts[0])}
	if cc.NewSymbol == "" {
		return CloseContinuation{}, false
	}
	if len(parts) == 2 {
		cc.Opposite = parts[1]
	}
	return cc, true
}

// String formats the continuation.
func (cc CloseContinuation) String() string {
	if cc.Opposite == "" {
		return cc.NewSymbol
	}
	return cc.NewSymbol + FieldSeparator + cc.Opposite
}

// ReleaseContinuation tells what to do with the legs of a released pair:
// "closeFlagA/closeFlagB/combType|nextSymbolA/nextSymbolB". A positive flag
// sell-closes that many long units, a negative flag buy-closes short units.
type ReleaseContinuation struct {
	NextA string
	NextB string
	FlagA int64
	FlagB int64
	Type  models.CombinationType
}

// ParseReleaseContinuation parses s. An empty s releases without closing.
func ParseReleaseContinuation(s string) (ReleaseContinuation, error) {
	var rc ReleaseContinuation
	s = strings.TrimSpace(s)
	if s == "" {
		return rc, nil
	}
	parts := strings.SplitN(s, FieldSeparator, 2)

	flags := strings.Split(parts[0], LegSeparator)
	if len(flags) < 2 || len(flags) > 3 {
		return rc, fmt.Errorf("release flags %q: want closeFlagA/closeFlagB[/combType]", parts[0])
	}
	var err error
	if rc.FlagA, err = strconv.ParseInt(strings.TrimSpace(flags[0]), 10, 64); err != nil {
		return rc, fmt.Errorf("release flag A %q: %w", flags[0], err)
	}
	if rc.FlagB, err = strconv.ParseInt(strings.TrimSpace(flags[1]), 10, 64); err != nil {
		return rc, fmt.Errorf("release flag B %q: %w", flags[1], err)
	}
	if len(flags) == 3 && strings.TrimSpace(flags[2]) != "" {
		if rc.Type, err = models.ParseCombinationType(strings.TrimSpace(flags[2])); err != nil {
			return rc, err
		}
	}

	if len(parts) == 2 && strings.TrimSpace(parts[1]) != "" {
		next := strings.Split(parts[1], LegSeparator)
		if len(next) != 2 {
			return rc, fmt.Errorf("release next symbols %q: want nextSymbolA/nextSymbolB", parts[1])
		}
		rc.NextA, rc.NextB = strings.TrimSpace(next[0]), strings.TrimSpace(next[1])
	}
	return rc, nil
}

// Closes reports whether any leg is to be closed.
func (rc ReleaseContinuation) Closes() bool {
	return rc.FlagA != 0 || rc.FlagB != 0
}

// String formats the continuation.
func (rc ReleaseContinuation) String() string {
	s := strconv.FormatInt(rc.FlagA, 10) + LegSeparator + strconv.FormatInt(rc.FlagB, 10)
	if rc.Type.Valid() {
		s += LegSeparator + strconv.Itoa(int(rc.Type))
	}
	if rc.NextA != "" || rc.NextB != "" {
		s += FieldSeparator + rc.NextA + LegSeparator + rc.NextB
	}
	return s
}

// legContinuation builds the close continuation of one released leg: reopen
// next, then pair it with peer held on peerSide.
func legContinuation(next, peer string, peerSide models.Direction) string {
	switch {
	case next == "":
		return ""
	case peer == "":
		return next
	}
	return next + FieldSeparator + peer + FieldSeparator + strconv.Itoa(int(peerSide))
}

// flagSide maps a non-zero close flag to the side of the leg it closes.
func flagSide(flag int64) models.Direction {
	if flag > 0 {
		return models.Long
	}
	return models.Short
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
