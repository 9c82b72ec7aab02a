package types

import "testing"

func TestOrderStateTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state OrderState
		want  bool
	}{
		{StateCreated, false},
		{StateSubmitted, false},
		{StatePartialFilled, false},
		{StateCancelRequested, false},
		{StateAmendRequested, false},
		{StateFilled, true},
		{StateCancelled, true},
		{StateRejected, true},
		{StateExpired, true},
		{StateError, true},
	}

	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.want {
			t.Errorf("OrderState(%q).Terminal() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestOrderStateCompleted(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state OrderState
		want  bool
	}{
		{StateFilled, true},
		{StateCancelled, true},
		{StateExpired, true},
		{StateRejected, false},
		{StateError, false},
		{StateSubmitted, false},
	}

	for _, tt := range tests {
		if got := tt.state.Completed(); got != tt.want {
			t.Errorf("OrderState(%q).Completed() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestOrderbookBestLevels(t *testing.T) {
	t.Parallel()

	ob := &OrderbookData{}
	ob.AskPrices[0] = 0
	ob.AskPrices[1] = 71300
	ob.AskVolumes[1] = 500
	ob.BidPrices[0] = 71200
	ob.BidVolumes[0] = 800

	if price, vol := ob.BestAsk(); price != 71300 || vol != 500 {
		t.Errorf("BestAsk() = (%d, %d), want (71300, 500)", price, vol)
	}
	if price, vol := ob.BestBid(); price != 71200 || vol != 800 {
		t.Errorf("BestBid() = (%d, %d), want (71200, 800)", price, vol)
	}

	empty := &OrderbookData{}
	if price, vol := empty.BestAsk(); price != 0 || vol != 0 {
		t.Errorf("empty BestAsk() = (%d, %d), want (0, 0)", price, vol)
	}
}
