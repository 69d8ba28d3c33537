package protocol

import "fmt"

// SteamID packs account id, instance, account type and universe into 64 bits:
// account in bits 0-31, instance in 32-51, type in 52-55, universe in 56-63.
type SteamID uint64

const (
	instanceMask = 0xFFFFF
	typeMask     = 0xF
)

// NewSteamID composes a SteamID from its parts.
func NewSteamID(accountID, instance uint32, universe Universe, accountType AccountType) SteamID {
	return SteamID(uint64(accountID) |
		uint64(instance&instanceMask)<<32 |
		uint64(uint32(accountType)&typeMask)<<52 |
		uint64(uint8(universe))<<56)
}

func (s SteamID) AccountID() uint32        { return uint32(s) }
func (s SteamID) Instance() uint32         { return uint32(s>>32) & instanceMask }
func (s SteamID) AccountType() AccountType { return AccountType(uint32(s>>52) & typeMask) }
func (s SteamID) Universe() Universe       { return Universe(uint8(s >> 56)) }

// String renders the id as [Type:Universe:Account:Instance].
func (s SteamID) String() string {
	return fmt.Sprintf("[%s:%d:%d:%d]", s.AccountType(), uint8(s.Universe()), s.AccountID(), s.Instance())
}
