package calldata

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// MethodFromCalldata returns the ABI method whose selector prefixes data.
// data may be a bare selector or full call data.
func MethodFromCalldata(parsedABI abi.ABI, data []byte) (*abi.Method, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("invalid selector length: %d", len(data))
	}

	// The selector is the first four bytes of keccak256 over the canonical
	// signature, which abi.Method already carries as ID.
	methodID := data[:4]
	for _, method := range parsedABI.Methods {
		if bytes.Equal(method.ID, methodID) {
			m := method
			return &m, nil
		}
	}

	return nil, fmt.Errorf("no matching method found for selector: 0x%x", methodID)
}
