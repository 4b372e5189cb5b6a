package sequencer

import "errors"

// ErrUnknownDeal is returned for deals whose direction/offset combination is
// not recognized. It is fatal to the deal and never retried.
var ErrUnknownDeal = errors.New("unknown deal")
