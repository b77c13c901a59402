// Package errors provides standardized error handling for the media graph runtime.
//
// # Overview
//
// Errors carry two independent labels. The class (Transient, Invalid, Fatal) tells a caller
// whether retrying can help. The kind (Negotiation, Allocation, Node, Misuse) tells a session
// manager which phase of link setup failed, so it can pick different endpoints or constraints
// before recreating the link.
//
// Link failures are never retried in place: the link moves to its error state and stays
// there until it is destroyed.
//
// # Quick Start
//
// Wrap with component context:
//
//	if err := port.setFormat(format); err != nil {
//	    return errors.Wrap(err, "Link", "negotiate", "set output format")
//	}
//
// Tag a link failure with its kind:
//
//	return errors.WrapKind(errors.ErrNoFormat, errors.KindNegotiation,
//	    "Link", "negotiate", "find format")
//
// Inspect it later:
//
//	switch errors.KindOf(info.Error) {
//	case errors.KindNegotiation:
//	    // try another filter
//	case errors.KindAllocation:
//	    // try another peer
//	}
//
// # Error Wrapping Pattern
//
// All wrapping follows "component.method: action failed: cause", which keeps log lines
// greppable and errors.Is/errors.As working through the chain.
package errors
