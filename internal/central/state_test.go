package central

import (
	"errors"
	"slices"
	"testing"

	"github.com/chaz8081/blecentral/internal/ble"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Phase
		event   Event
		to      Phase
		effects []Effect
	}{
		{"connect", PhaseDisconnected, EventConnect, PhaseConnecting, []Effect{EffectIssueConnect}},
		{"platform connected", PhaseConnecting, EventPlatformConnected, PhaseServiceDiscovery, []Effect{EffectDiscoverServices}},
		{"connect failed", PhaseConnecting, EventPlatformError, PhaseError, []Effect{EffectFailConnect, EffectCancelOperations, EffectRelease}},
		{"abort connecting", PhaseConnecting, EventDisconnect, PhaseDisconnecting, []Effect{EffectAbortConnect, EffectIssueDisconnect}},
		{"discovery finished", PhaseServiceDiscovery, EventDiscoveryFinished, PhaseReady, []Effect{EffectSucceedConnect}},
		{"discovery failed", PhaseServiceDiscovery, EventPlatformError, PhaseError, []Effect{EffectFailConnect, EffectCancelOperations, EffectRelease}},
		{"link lost in discovery", PhaseServiceDiscovery, EventLinkLost, PhaseError, []Effect{EffectFailConnect, EffectCancelOperations, EffectRelease}},
		{"abort discovery", PhaseServiceDiscovery, EventDisconnect, PhaseDisconnecting, []Effect{EffectAbortConnect, EffectIssueDisconnect}},
		{"disconnect", PhaseReady, EventDisconnect, PhaseDisconnecting, []Effect{EffectCancelOperations, EffectIssueDisconnect}},
		{"link lost", PhaseReady, EventLinkLost, PhaseDisconnected, []Effect{EffectNotifyLinkLost, EffectCancelOperations, EffectRelease}},
		{"link error", PhaseReady, EventPlatformError, PhaseError, []Effect{EffectFailLink, EffectCancelOperations, EffectRelease}},
		{"disconnected", PhaseDisconnecting, EventPlatformDisconnected, PhaseDisconnected, []Effect{EffectSucceedDisconnect, EffectCancelOperations, EffectRelease}},
		{"link lost while disconnecting", PhaseDisconnecting, EventLinkLost, PhaseDisconnected, []Effect{EffectSucceedDisconnect, EffectCancelOperations, EffectRelease}},
		{"disconnect failed", PhaseDisconnecting, EventPlatformError, PhaseError, []Effect{EffectFailDisconnect, EffectCancelOperations, EffectRelease}},
		{"reset", PhaseError, EventReset, PhaseDisconnected, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			to, effects, err := Transition(tt.from, tt.event)
			if err != nil {
				t.Fatalf("Transition() error = %v", err)
			}
			if to != tt.to {
				t.Errorf("to = %s, want %s", to, tt.to)
			}
			if !slices.Equal(effects, tt.effects) {
				t.Errorf("effects = %v, want %v", effects, tt.effects)
			}
		})
	}
}

func TestTransitionRejectsUnlistedPairs(t *testing.T) {
	tests := []struct {
		from  Phase
		event Event
	}{
		{PhaseDisconnected, EventDisconnect},
		{PhaseDisconnected, EventLinkLost},
		{PhaseDisconnected, EventPlatformConnected},
		{PhaseConnecting, EventConnect},
		{PhaseConnecting, EventDiscoveryFinished},
		{PhaseReady, EventConnect},
		{PhaseReady, EventPlatformConnected},
		{PhaseDisconnecting, EventDisconnect},
		{PhaseDisconnecting, EventConnect},
		{PhaseError, EventConnect},
	}

	for _, tt := range tests {
		t.Run(tt.event.String()+" in "+tt.from.String(), func(t *testing.T) {
			to, effects, err := Transition(tt.from, tt.event)
			if !errors.Is(err, ble.ErrInvalidTransition) {
				t.Fatalf("Transition() error = %v, want ErrInvalidTransition", err)
			}
			if to != tt.from || effects != nil {
				t.Errorf("Transition() = %s %v, want unchanged phase and no effects", to, effects)
			}
		})
	}
}

func TestEveryPhaseReachesDisconnected(t *testing.T) {
	for _, p := range []Phase{PhaseConnecting, PhaseServiceDiscovery, PhaseReady, PhaseDisconnecting, PhaseError} {
		reached := false
		for _, e := range []Event{EventDisconnect, EventPlatformDisconnected, EventLinkLost, EventPlatformError, EventReset} {
			to, _, err := Transition(p, e)
			if err != nil {
				continue
			}
			if to == PhaseDisconnected {
				reached = true
			}
			if to == PhaseError {
				if next, _, _ := Transition(to, EventReset); next == PhaseDisconnected {
					reached = true
				}
			}
		}
		if !reached {
			t.Errorf("%s has no path to Disconnected", p)
		}
	}
}

func TestStrings(t *testing.T) {
	if got := PhaseServiceDiscovery.String(); got != "ServiceDiscovery" {
		t.Errorf("Phase.String() = %q", got)
	}
	if got := Phase(42).String(); got != "Phase(42)" {
		t.Errorf("Phase.String() = %q", got)
	}
	if got := EventLinkLost.String(); got != "platformLinkLost" {
		t.Errorf("Event.String() = %q", got)
	}
	if got := EffectCancelOperations.String(); got != "cancelOperations" {
		t.Errorf("Effect.String() = %q", got)
	}
}
