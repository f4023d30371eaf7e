package keychain

import (
	"fmt"
	"strings"
)

// KeychainKind identifies one of the two keychains of a standard wallet.
type KeychainKind uint8

const (
	// External is the keychain handing out receive addresses.
	External KeychainKind = 0

	// Internal is the keychain used for change outputs.
	Internal KeychainKind = 1
)

// String returns the name of the keychain.
func (k KeychainKind) String() string {
	switch k {
	case External:
		return "external"
	case Internal:
		return "internal"
	default:
		return fmt.Sprintf("keychain(%d)", uint8(k))
	}
}

// ParseKeychainKind parses the name of a keychain as returned by String.
func ParseKeychainKind(s string) (KeychainKind, error) {
	switch strings.ToLower(s) {
	case "external", "receive":
		return External, nil
	case "internal", "change":
		return Internal, nil
	default:
		return 0, fmt.Errorf("unknown keychain %q", s)
	}
}
