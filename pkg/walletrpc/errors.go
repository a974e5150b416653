package walletrpc

import (
	"errors"
	"strings"
)

// Structured outcomes for the engine's free-text error channel. Message
// matching lives only in this file so engine wording changes touch one
// place.
var (
	ErrInsufficientFunds  = errors.New("insufficient unlocked balance")
	ErrInvalidDestination = errors.New("invalid destination address")
)

// insufficientFundsPrefixes match the "not enough money to transfer," family
// of rejections the engine emits for unfundable transactions.
var insufficientFundsPrefixes = []string{
	"not enough money",
	"not enough unlocked money",
	"not enough outputs",
}

// Classify maps an engine error to a structured outcome. Insufficient-funds
// and invalid-destination rejections become their sentinel errors; anything
// else passes through unchanged, carrying the raw message.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return err
	}

	message := strings.TrimSpace(rpcErr.Message)
	lowered := strings.ToLower(message)
	for _, prefix := range insufficientFundsPrefixes {
		if strings.HasPrefix(lowered, prefix) {
			return ErrInsufficientFunds
		}
	}
	if message == "Invalid destination address" {
		return ErrInvalidDestination
	}
	return err
}
