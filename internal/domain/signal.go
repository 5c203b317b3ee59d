package domain

// SDPPayload is the JSON structure for SDP offer/answer messages.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// OfferRequest is what a remote viewer submits to open a session.
type OfferRequest struct {
	SessionID string     `json:"id"`
	Offer     SDPPayload `json:"offer"`
}

// Diagnostics is the verbose per-session view returned by the peers listing.
type Diagnostics struct {
	State              string      `json:"state"`
	ConnectionState    string      `json:"connectionState"`
	ICEConnectionState string      `json:"iceConnectionState"`
	ICEGatheringState  string      `json:"iceGatheringState"`
	LocalDescription   *SDPPayload `json:"localDescription,omitempty"`
	RemoteDescription  *SDPPayload `json:"remoteDescription,omitempty"`
	SignalingState     string      `json:"signalingState"`
}

// BroadcastMessage is a server-originated message fanned out to chat
// clients, such as the live viewer count.
type BroadcastMessage struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Count int    `json:"count"`
}
