package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"chainpay/config"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testContract = "0xdac17f958d2ee523a2206206994597c13d831ec7"
	testWallet   = "0x1234567890abcdef1234567890abcdef12345678"
	testTxHash   = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
)

// newJSONRPCServer 按 method 分发响应的 JSON-RPC 桩服务
func newJSONRPCServer(t *testing.T, results map[string]string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		result, ok := results[req.Method]
		if !ok {
			result = "null"
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":` + result + `}`))
	}))
}

func newTestEVMClient(url string) *EVMClient {
	return NewEVMClient("erc20", config.ChainConfig{
		RPC:             url,
		ContractAddress: testContract,
		RPCTimeout:      5,
	}, zap.NewNop().Sugar())
}

func TestEVMLatestBlockNumber(t *testing.T) {
	server := newJSONRPCServer(t, map[string]string{
		"eth_blockNumber": `"0x12d687"`,
	})
	defer server.Close()

	client := newTestEVMClient(server.URL)
	block, err := client.LatestBlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0x12d687), block)
}

func TestEVMGetTransaction(t *testing.T) {
	receipt := `{
		"transactionHash": "` + testTxHash + `",
		"blockNumber": "0x64",
		"status": "0x1",
		"logs": [{
			"transactionHash": "` + testTxHash + `",
			"address": "` + testContract + `",
			"topics": [
				"0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef",
				"0x000000000000000000000000deadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
				"0x0000000000000000000000001234567890abcdef1234567890abcdef12345678"
			],
			"data": "0x5f5e100",
			"blockNumber": "0x64"
		}]
	}`
	server := newJSONRPCServer(t, map[string]string{
		"eth_getTransactionReceipt": receipt,
		"eth_blockNumber":           `"0x6e"`, // 110: 确认数 = 110-100+1 = 11
	})
	defer server.Close()

	client := newTestEVMClient(server.URL)
	d, err := client.GetTransaction(context.Background(), testTxHash)
	require.NoError(t, err)

	assert.Equal(t, testTxHash, d.TxHash)
	assert.Equal(t, "erc20", d.Network)
	assert.Equal(t, testWallet, d.To)
	assert.Equal(t, "0xdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef", d.From)
	assert.True(t, decimal.NewFromInt(100).Equal(d.Amount)) // 0x5f5e100 = 100000000
	assert.Equal(t, uint64(100), d.BlockNumber)
	assert.Equal(t, 11, d.Confirmations)
	assert.True(t, d.Success)
}

func TestEVMGetTransactionNotFound(t *testing.T) {
	server := newJSONRPCServer(t, map[string]string{
		"eth_getTransactionReceipt": "null",
	})
	defer server.Close()

	client := newTestEVMClient(server.URL)
	_, err := client.GetTransaction(context.Background(), testTxHash)
	assert.True(t, IsNotFound(err))
}

func TestEVMAddressTransfers(t *testing.T) {
	logs := `[{
		"transactionHash": "` + testTxHash + `",
		"address": "` + testContract + `",
		"topics": [
			"0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef",
			"0x000000000000000000000000deadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
			"0x0000000000000000000000001234567890abcdef1234567890abcdef12345678"
		],
		"data": "0xf4240",
		"blockNumber": "0x6a"
	}]`
	server := newJSONRPCServer(t, map[string]string{
		"eth_getLogs": logs,
	})
	defer server.Close()

	client := newTestEVMClient(server.URL)
	transfers, err := client.AddressTransfers(context.Background(), testWallet, 100, 120)
	require.NoError(t, err)
	require.Len(t, transfers, 1)

	tx := transfers[0]
	assert.Equal(t, testTxHash, tx.TxHash)
	assert.Equal(t, testWallet, tx.To)
	assert.True(t, decimal.NewFromInt(1).Equal(tx.Amount))
	assert.Equal(t, uint64(106), tx.BlockNumber)
	assert.Equal(t, 15, tx.Confirmations) // 120-106+1
	assert.True(t, tx.Success)
}

func TestEVMAddressTransfersSkipsMalformedTopic(t *testing.T) {
	// 坏节点返回截断的 topic：跳过该条日志而不是崩掉扫描
	logs := `[{
		"transactionHash": "0xbad",
		"address": "` + testContract + `",
		"topics": [
			"0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef",
			"0x1",
			"0x0000000000000000000000001234567890abcdef1234567890abcdef12345678"
		],
		"data": "0xf4240",
		"blockNumber": "0x6a"
	}, {
		"transactionHash": "` + testTxHash + `",
		"address": "` + testContract + `",
		"topics": [
			"0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef",
			"0x000000000000000000000000deadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
			"0x0000000000000000000000001234567890abcdef1234567890abcdef12345678"
		],
		"data": "0xf4240",
		"blockNumber": "0x6a"
	}]`
	server := newJSONRPCServer(t, map[string]string{
		"eth_getLogs": logs,
	})
	defer server.Close()

	client := newTestEVMClient(server.URL)
	transfers, err := client.AddressTransfers(context.Background(), testWallet, 100, 120)
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.Equal(t, testTxHash, transfers[0].TxHash)
}

func TestEVMGetTransactionMalformedTopic(t *testing.T) {
	receipt := `{
		"transactionHash": "` + testTxHash + `",
		"blockNumber": "0x64",
		"status": "0x1",
		"logs": [{
			"transactionHash": "` + testTxHash + `",
			"address": "` + testContract + `",
			"topics": [
				"0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef",
				"0x1",
				"0x0000000000000000000000001234567890abcdef1234567890abcdef12345678"
			],
			"data": "0x5f5e100",
			"blockNumber": "0x64"
		}]
	}`
	server := newJSONRPCServer(t, map[string]string{
		"eth_getTransactionReceipt": receipt,
		"eth_blockNumber":           `"0x6e"`,
	})
	defer server.Close()

	client := newTestEVMClient(server.URL)
	_, err := client.GetTransaction(context.Background(), testTxHash)
	assert.True(t, IsChainDataError(err))
}

func TestEVMAddressTransfersEmptyRange(t *testing.T) {
	server := newJSONRPCServer(t, map[string]string{
		"eth_getLogs": "[]",
	})
	defer server.Close()

	client := newTestEVMClient(server.URL)

	// 区间为空直接返回
	transfers, err := client.AddressTransfers(context.Background(), testWallet, 100, 100)
	require.NoError(t, err)
	assert.Empty(t, transfers)

	transfers, err = client.AddressTransfers(context.Background(), testWallet, 100, 120)
	require.NoError(t, err)
	assert.Empty(t, transfers)
}

func TestEVMTokenBalance(t *testing.T) {
	server := newJSONRPCServer(t, map[string]string{
		"eth_call": `"0x00000000000000000000000000000000000000000000000000000000004c4b40"`,
	})
	defer server.Close()

	client := newTestEVMClient(server.URL)
	balance, err := client.TokenBalance(context.Background(), testWallet)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(5).Equal(balance)) // 5000000 原始单位
}
