package central

import (
	"fmt"

	"github.com/chaz8081/blecentral/internal/ble"
)

// Phase is the lifecycle phase of the single peripheral connection.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseServiceDiscovery
	PhaseReady
	PhaseDisconnecting
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "Disconnected"
	case PhaseConnecting:
		return "Connecting"
	case PhaseServiceDiscovery:
		return "ServiceDiscovery"
	case PhaseReady:
		return "Ready"
	case PhaseDisconnecting:
		return "Disconnecting"
	case PhaseError:
		return "Error"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Event drives a phase change.
type Event int

const (
	EventConnect Event = iota
	EventPlatformConnected
	EventDiscoveryFinished
	EventDisconnect
	EventPlatformDisconnected
	EventLinkLost
	EventPlatformError
	EventReset
)

func (e Event) String() string {
	switch e {
	case EventConnect:
		return "connect"
	case EventPlatformConnected:
		return "platformConnected"
	case EventDiscoveryFinished:
		return "discoveryFinished"
	case EventDisconnect:
		return "disconnect"
	case EventPlatformDisconnected:
		return "platformDisconnected"
	case EventLinkLost:
		return "platformLinkLost"
	case EventPlatformError:
		return "platformError"
	case EventReset:
		return "reset"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// Effect is a side effect the central performs after a transition.
type Effect int

const (
	// EffectIssueConnect starts the platform connect.
	EffectIssueConnect Effect = iota
	// EffectDiscoverServices starts service enumeration.
	EffectDiscoverServices
	// EffectSucceedConnect fires the connect callback with the snapshot.
	EffectSucceedConnect
	// EffectFailConnect fires the connect callback's failure side.
	EffectFailConnect
	// EffectAbortConnect cancels a pending connect with "Disconnected".
	EffectAbortConnect
	// EffectIssueDisconnect starts the platform disconnect.
	EffectIssueDisconnect
	// EffectSucceedDisconnect fires the disconnect callback.
	EffectSucceedDisconnect
	// EffectFailDisconnect fires the disconnect callback's failure side.
	EffectFailDisconnect
	// EffectNotifyLinkLost fires the link callback with "Disconnected".
	EffectNotifyLinkLost
	// EffectFailLink fires the link callback's failure side.
	EffectFailLink
	// EffectCancelOperations cancels every in-flight device-scoped op.
	EffectCancelOperations
	// EffectRelease drops the connection value.
	EffectRelease
)

func (e Effect) String() string {
	return [...]string{
		"issueConnect", "discoverServices", "succeedConnect", "failConnect",
		"abortConnect", "issueDisconnect", "succeedDisconnect", "failDisconnect",
		"notifyLinkLost", "failLink", "cancelOperations", "release",
	}[e]
}

type transitionKey struct {
	from  Phase
	event Event
}

type transition struct {
	to      Phase
	effects []Effect
}

var transitions = map[transitionKey]transition{
	{PhaseDisconnected, EventConnect}: {PhaseConnecting, []Effect{EffectIssueConnect}},

	{PhaseConnecting, EventPlatformConnected}: {PhaseServiceDiscovery, []Effect{EffectDiscoverServices}},
	{PhaseConnecting, EventPlatformError}:     {PhaseError, []Effect{EffectFailConnect, EffectCancelOperations, EffectRelease}},
	{PhaseConnecting, EventDisconnect}:        {PhaseDisconnecting, []Effect{EffectAbortConnect, EffectIssueDisconnect}},

	{PhaseServiceDiscovery, EventDiscoveryFinished}: {PhaseReady, []Effect{EffectSucceedConnect}},
	{PhaseServiceDiscovery, EventPlatformError}:     {PhaseError, []Effect{EffectFailConnect, EffectCancelOperations, EffectRelease}},
	{PhaseServiceDiscovery, EventLinkLost}:          {PhaseError, []Effect{EffectFailConnect, EffectCancelOperations, EffectRelease}},
	{PhaseServiceDiscovery, EventDisconnect}:        {PhaseDisconnecting, []Effect{EffectAbortConnect, EffectIssueDisconnect}},

	{PhaseReady, EventDisconnect}:    {PhaseDisconnecting, []Effect{EffectCancelOperations, EffectIssueDisconnect}},
	{PhaseReady, EventLinkLost}:      {PhaseDisconnected, []Effect{EffectNotifyLinkLost, EffectCancelOperations, EffectRelease}},
	{PhaseReady, EventPlatformError}: {PhaseError, []Effect{EffectFailLink, EffectCancelOperations, EffectRelease}},

	{PhaseDisconnecting, EventPlatformDisconnected}: {PhaseDisconnected, []Effect{EffectSucceedDisconnect, EffectCancelOperations, EffectRelease}},
	{PhaseDisconnecting, EventLinkLost}:             {PhaseDisconnected, []Effect{EffectSucceedDisconnect, EffectCancelOperations, EffectRelease}},
	{PhaseDisconnecting, EventPlatformError}:        {PhaseError, []Effect{EffectFailDisconnect, EffectCancelOperations, EffectRelease}},

	{PhaseError, EventReset}: {PhaseDisconnected, nil},
}

// Transition returns the phase and effects for event in phase from. Pairs
// outside the table fail with ErrInvalidTransition.
func Transition(from Phase, event Event) (Phase, []Effect, error) {
	t, ok := transitions[transitionKey{from, event}]
	if !ok {
		return from, nil, fmt.Errorf("%w: %s in %s", ble.ErrInvalidTransition, event, from)
	}
	return t.to, t.effects, nil
}
