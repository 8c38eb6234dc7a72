package registry

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const registryABIJSON = `[
  {"name":"currentRoundId","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"getRound","type":"function","stateMutability":"view","inputs":[{"name":"_roundId","type":"uint256"}],"outputs":[{"name":"startTime","type":"uint256"},{"name":"endTime","type":"uint256"},{"name":"registrationFee","type":"uint256"},{"name":"totalDatacap","type":"uint256"}]},
  {"name":"getTotalRegistrants","type":"function","stateMutability":"view","inputs":[{"name":"_roundId","type":"uint256"}],"outputs":[{"name":"count","type":"uint256"}]},
  {"name":"getParticipants","type":"function","stateMutability":"view","inputs":[{"name":"_roundId","type":"uint256"},{"name":"_cursor","type":"uint256"},{"name":"_limit","type":"uint256"}],"outputs":[{"name":"participants","type":"address[]"},{"name":"nextCursor","type":"uint256"}]},
  {"name":"getParticipantDetails","type":"function","stateMutability":"view","inputs":[{"name":"_roundId","type":"uint256"},{"name":"_participant","type":"address"}],"outputs":[{"name":"datacapActorId","type":"uint64"}]}
]`

const multicallABIJSON = `[
  {"name":"aggregate3","type":"function","stateMutability":"view",
   "inputs":[{"name":"calls","type":"tuple[]","components":[
     {"name":"target","type":"address"},
     {"name":"allowFailure","type":"bool"},
     {"name":"callData","type":"bytes"}]}],
   "outputs":[{"name":"returnData","type":"tuple[]","components":[
     {"name":"success","type":"bool"},
     {"name":"returnData","type":"bytes"}]}]}
]`

const allocatorABIJSON = `[
  {"name":"addVerifiedClient","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"clientAddress","type":"bytes"},{"name":"amount","type":"uint256"}],"outputs":[]}
]`

var (
	registryABI  = mustABI(registryABIJSON)
	multicallABI = mustABI(multicallABIJSON)
	allocatorABI = mustABI(allocatorABIJSON)
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// PackAddVerifiedClient encodes the allocator contract's single supported
// method: granting DataCap to the encoded client address.
func PackAddVerifiedClient(clientBytes []byte, amount *big.Int) ([]byte, error) {
	return allocatorABI.Pack("addVerifiedClient", clientBytes, amount)
}
