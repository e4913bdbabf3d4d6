package channel

import "errors"

// ErrUnmapped marks an inbound payload whose routing key does not belong to
// any known subscription. Handlers log and drop it; the provider will
// re-deliver on a non-success status, so retrying here would loop forever.
var ErrUnmapped = errors.New("inbound event unmapped to a subscription")

// ErrIgnored marks a payload that is well-formed but carries nothing to
// process (service notices, non-message updates, echoes of our own sends).
var ErrIgnored = errors.New("inbound event ignored")
