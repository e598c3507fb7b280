package chain

import "fmt"

// Token-service response codes. The service reports a coded integer per
// call; StatusSuccess is the single value meaning the operation took effect.
const (
	StatusSuccess int32 = 22

	StatusInvalidAccount         int32 = 15
	StatusInsufficientBalance    int32 = 28
	StatusContractRevert         int32 = 33
	StatusInvalidToken           int32 = 165
	StatusTokenNotAssociated     int32 = 184
	StatusTokenAlreadyAssociated int32 = 194
	StatusInsufficientTokenFunds int32 = 199
)

var codeReasons = map[int32]string{
	StatusSuccess:                "success",
	StatusInvalidAccount:         "invalid account",
	StatusInsufficientBalance:    "insufficient payer balance",
	StatusContractRevert:         "contract reverted",
	StatusInvalidToken:           "invalid token",
	StatusTokenNotAssociated:     "token not associated to account",
	StatusTokenAlreadyAssociated: "token already associated to account",
	StatusInsufficientTokenFunds: "insufficient token balance",
}

// ReasonForCode renders a human-readable reason for a status code.
func ReasonForCode(code int32) string {
	if reason, ok := codeReasons[code]; ok {
		return reason
	}
	return fmt.Sprintf("unknown status %d", code)
}
