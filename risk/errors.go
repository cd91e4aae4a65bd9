package risk

import "errors"

var (
	ErrInvalidRulebook = errors.New("invalid rulebook")
	ErrKillSwitchOn    = errors.New("kill switch active")
)
