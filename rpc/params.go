package rpc

// AppDefinition describes the bilateral application session proposed to the
// coordinator: both participants carry equal voting weight, the full quorum
// is required to advance state, and the nonce keeps repeated definitions
// between the same participants distinct.
type AppDefinition struct {
	Protocol     string   `json:"protocol"`
	Application  string   `json:"application"`
	Participants []string `json:"participants"`
	Weights      []int64  `json:"weights"`
	Quorum       int64    `json:"quorum"`
	Challenge    int64    `json:"challenge"`
	Nonce        int64    `json:"nonce"`
}

// Allocation is one participant's balance within a session, in the smallest
// unit of the asset.
type Allocation struct {
	Participant string `json:"participant"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
}

type CreateAppSessionParams struct {
	Definition  AppDefinition `json:"definition"`
	Allocations []Allocation  `json:"allocations"`
}

type CreateAppSessionResult struct {
	AppSessionID string `json:"app_session_id"`
	Status       string `json:"status,omitempty"`
}

type SubmitAppStateParams struct {
	AppSessionID string       `json:"app_session_id"`
	Allocations  []Allocation `json:"allocations"`
}

type CloseAppSessionParams struct {
	AppSessionID string       `json:"app_session_id"`
	Allocations  []Allocation `json:"allocations"`
}

type GetAppSessionsParams struct {
	Participant string `json:"participant"`
	Status      string `json:"status,omitempty"`
}

// LedgerBalance is one asset balance held with the coordinator.
type LedgerBalance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type AuthChallengeParams struct {
	ChallengeMessage string `json:"challenge_message"`
}

// AuthVerifyParams binds the pushed challenge to the signer's identity.
type AuthVerifyParams struct {
	Address   string `json:"address"`
	Challenge string `json:"challenge"`
}
