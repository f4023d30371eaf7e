package keychain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// MaxDerivationIndex is the highest non-hardened child index.
const MaxDerivationIndex = hdkeychain.HardenedKeyStart - 1

var (
	// ErrUnsupportedDescriptor is returned for descriptors other than
	// wpkh(KEY/*) and wpkh(KEY/BRANCH/*).
	ErrUnsupportedDescriptor = errors.New("unsupported descriptor")

	// ErrWrongNetwork is returned when the extended key of a descriptor
	// belongs to another network.
	ErrWrongNetwork = errors.New("extended key is for another network")

	// ErrIndexOutOfRange is returned when a hardened index is requested
	// from a public descriptor.
	ErrIndexOutOfRange = errors.New("derivation index out of range")
)

// Descriptor derives the script pubkeys of one keychain.
type Descriptor interface {
	// ScriptPubKey returns the script pubkey at index. hdkeychain's
	// ErrInvalidChild is returned for the rare indices that do not
	// produce a valid key and must be skipped.
	ScriptPubKey(index uint32) ([]byte, error)

	// String returns the canonical string form of the descriptor.
	String() string
}

// WPKHDescriptor derives pay to witness pubkey hash scripts from the public
// children of an extended key.
type WPKHDescriptor struct {
	key    *hdkeychain.ExtendedKey
	params *chaincfg.Params
	desc   string
}

// A compile time check to ensure WPKHDescriptor implements Descriptor.
var _ Descriptor = (*WPKHDescriptor)(nil)

// ParseDescriptor parses a descriptor of the form wpkh(KEY/*) or
// wpkh(KEY/BRANCH/*) where KEY is an extended key for params. Private keys are
// neutered since only public derivation is needed.
func ParseDescriptor(desc string,
	params *chaincfg.Params) (*WPKHDescriptor, error) {

	desc = strings.TrimSpace(desc)
	inner, ok := strings.CutPrefix(desc, "wpkh(")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDescriptor, desc)
	}
	inner, ok = strings.CutSuffix(inner, ")")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDescriptor, desc)
	}

	parts := strings.Split(inner, "/")
	if len(parts) < 2 || len(parts) > 3 || parts[len(parts)-1] != "*" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDescriptor, desc)
	}

	key, err := hdkeychain.NewKeyFromString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid extended key: %w", err)
	}
	if !key.IsForNet(params) {
		return nil, ErrWrongNetwork
	}
	if key.IsPrivate() {
		key, err = key.Neuter()
		if err != nil {
			return nil, err
		}
	}

	if len(parts) == 3 {
		branch, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil || branch > uint64(MaxDerivationIndex) {
			return nil, fmt.Errorf("%w: branch %q",
				ErrUnsupportedDescriptor, parts[1])
		}

		key, err = key.Derive(uint32(branch))
		if err != nil {
			return nil, fmt.Errorf("unable to derive branch %d: %w",
				branch, err)
		}
	}

	return &WPKHDescriptor{
		key:    key,
		params: params,
		desc:   desc,
	}, nil
}

// ScriptPubKey returns the P2WPKH script for the child at index.
//
// NOTE: This is part of the Descriptor interface.
func (d *WPKHDescriptor) ScriptPubKey(index uint32) ([]byte, error) {
	addr, err := d.Address(index)
	if err != nil {
		return nil, err
	}

	return txscript.PayToAddrScript(addr)
}

// Address returns the P2WPKH address for the child at index.
func (d *WPKHDescriptor) Address(index uint32) (btcutil.Address, error) {
	if index > MaxDerivationIndex {
		return nil, ErrIndexOutOfRange
	}

	child, err := d.key.Derive(index)
	if err != nil {
		return nil, err
	}

	pubKey, err := child.ECPubKey()
	if err != nil {
		return nil, err
	}

	return btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pubKey.SerializeCompressed()), d.params,
	)
}

// String returns the descriptor as it was parsed.
//
// NOTE: This is part of the Descriptor interface.
func (d *WPKHDescriptor) String() string {
	return d.desc
}
