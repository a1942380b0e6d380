package ledger_test

import (
	"context"
	"encoding/hex"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/stretchr/testify/suite"

	"biovote/internal/ledger"
	"biovote/internal/platform/logger"
	"biovote/pkg/platform/sentinel"
)

// EthereumSuite runs the client against an in-process simulated chain. The
// target address holds no code, so transactions succeed without emitting
// events.
type EthereumSuite struct {
	suite.Suite
	sim    *simulated.Backend
	client *ledger.EthereumClient
	stop   chan struct{}
}

func TestEthereumSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping simulated chain test in short mode")
	}
	suite.Run(t, new(EthereumSuite))
}

func (s *EthereumSuite) SetupTest() {
	key, err := crypto.GenerateKey()
	s.Require().NoError(err)
	operator := crypto.PubkeyToAddress(key.PublicKey)
	funds := new(big.Int).Exp(big.NewInt(10), big.NewInt(20), nil)

	s.sim = simulated.NewBackend(types.GenesisAlloc{operator: {Balance: funds}})
	contract := common.HexToAddress("0x00000000000000000000000000000000000b10e1")

	client, err := ledger.NewEthereumClient(context.Background(), s.sim.Client(), contract.Hex(),
		hex.EncodeToString(crypto.FromECDSA(key)), 0, ledger.WithEthereumLogger(logger.Discard()))
	s.Require().NoError(err)
	s.client = client
	s.Equal(operator, client.Operator())

	s.stop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.sim.Commit()
			}
		}
	}()
}

func (s *EthereumSuite) TearDownTest() {
	close(s.stop)
	_ = s.sim.Close()
}

func (s *EthereumSuite) TestSubmitAndConfirm() {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	voter := ledger.NewCommitment("VOT-0001", []byte("pepper-0123456789"))
	receipt, err := s.client.SubmitVote(ctx, voter, 7, 2)
	s.Require().NoError(err)

	hash, ok := ledger.NormalizeTxHash(receipt.TxHash)
	s.True(ok)
	s.Equal(hash, receipt.TxHash)
	s.NotZero(receipt.BlockNumber)
	s.NotZero(receipt.GasUsed)

	conf, err := s.client.ConfirmTransaction(ctx, receipt.TxHash)
	s.Require().NoError(err)
	s.Equal(ledger.StatusConfirmed, conf.Status)
	s.Equal(receipt.BlockNumber, conf.BlockNumber)
	s.GreaterOrEqual(conf.Confirmations, uint64(1))
	s.True(s.client.IsReachable(ctx))
}

func (s *EthereumSuite) TestUnknownTransaction() {
	conf, err := s.client.ConfirmTransaction(context.Background(), common.Hash{0x01}.Hex())
	s.Require().NoError(err)
	s.Equal(ledger.StatusNotFound, conf.Status)
}

func (s *EthereumSuite) TestLookupWithoutEvents() {
	voter := ledger.NewCommitment("VOT-0009", []byte("pepper-0123456789"))
	_, err := s.client.LookupVote(context.Background(), voter)
	s.ErrorIs(err, sentinel.ErrNotFound)
}
