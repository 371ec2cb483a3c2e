package chain

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chainpay/config"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	tronWallet = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
	tronTxID   = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

// newTronServer 按路径分发响应的 TronGrid 桩服务
func newTronServer(routes map[string]string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for prefix, body := range routes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(body))
				return
			}
		}
		w.Write([]byte(`{}`))
	}))
}

func newTestTronClient(url string) *TronClient {
	return NewTronClient("trc20", config.ChainConfig{
		RPC:             url,
		ContractAddress: usdtBase58,
		RPCTimeout:      5,
	}, zap.NewNop().Sugar())
}

func TestTronLatestBlockNumber(t *testing.T) {
	server := newTronServer(map[string]string{
		"/walletsolidity/getnowblock": `{"block_header":{"raw_data":{"number":50000000}}}`,
	})
	defer server.Close()

	client := newTestTronClient(server.URL)
	block, err := client.LatestBlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(50000000), block)
}

func TestTronGetTransactionNotFound(t *testing.T) {
	server := newTronServer(map[string]string{
		"/wallet/gettransactionbyid": `{}`,
	})
	defer server.Close()

	client := newTestTronClient(server.URL)
	_, err := client.GetTransaction(context.Background(), tronTxID)
	assert.True(t, IsNotFound(err))
}

func TestTronGetTransaction(t *testing.T) {
	// transfer(TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t, 1.5 USDT)
	callData := "a9059cbb" +
		"000000000000000000000000a614f803b6fd780986a42c78ec9c7f77e6ded13c" +
		"000000000000000000000000000000000000000000000000000000000016e360"

	server := newTronServer(map[string]string{
		"/wallet/gettransactionbyid": `{
			"txID": "` + tronTxID + `",
			"raw_data": {"contract": [{
				"type": "TriggerSmartContract",
				"parameter": {"value": {
					"data": "` + callData + `",
					"owner_address": "41b0b7c3f4a5d6e7f8091a2b3c4d5e6f7a8b9c0d1e",
					"contract_address": "41a614f803b6fd780986a42c78ec9c7f77e6ded13c"
				}}
			}]},
			"ret": [{"contractRet": "SUCCESS"}]
		}`,
		"/walletsolidity/gettransactioninfobyid": `{
			"id": "` + tronTxID + `",
			"blockNumber": 49999990,
			"blockTimeStamp": 1700000000000
		}`,
		"/walletsolidity/getnowblock": `{"block_header":{"raw_data":{"number":50000000}}}`,
	})
	defer server.Close()

	client := newTestTronClient(server.URL)
	d, err := client.GetTransaction(context.Background(), tronTxID)
	require.NoError(t, err)

	assert.Equal(t, tronTxID, d.TxHash)
	assert.Equal(t, "trc20", d.Network)
	assert.Equal(t, tronWallet, d.To)
	assert.True(t, decimal.NewFromFloat(1.5).Equal(d.Amount))
	assert.Equal(t, uint64(49999990), d.BlockNumber)
	assert.Equal(t, 11, d.Confirmations)
	assert.True(t, d.Success)
}

func TestTronGetTransactionWrongContract(t *testing.T) {
	server := newTronServer(map[string]string{
		"/wallet/gettransactionbyid": `{
			"txID": "` + tronTxID + `",
			"raw_data": {"contract": [{
				"type": "TriggerSmartContract",
				"parameter": {"value": {
					"data": "a9059cbb",
					"contract_address": "410000000000000000000000000000000000000000"
				}}
			}]},
			"ret": [{"contractRet": "SUCCESS"}]
		}`,
	})
	defer server.Close()

	client := newTestTronClient(server.URL)
	_, err := client.GetTransaction(context.Background(), tronTxID)
	assert.True(t, IsChainDataError(err))
}

func TestTronAddressTransfers(t *testing.T) {
	server := newTronServer(map[string]string{
		"/v1/accounts/": `{"data": [
			{
				"transaction_id": "` + tronTxID + `",
				"from": "TAUN6FwrnwwmaEqYcckffC7wYmbaS6cBiX",
				"to": "` + tronWallet + `",
				"value": "2000000",
				"block_timestamp": 1700000000000
			},
			{
				"transaction_id": "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc",
				"from": "` + tronWallet + `",
				"to": "TAUN6FwrnwwmaEqYcckffC7wYmbaS6cBiX",
				"value": "999000",
				"block_timestamp": 1700000000000
			}
		]}`,
		"/walletsolidity/gettransactioninfobyid": `{
			"id": "` + tronTxID + `",
			"blockNumber": 49999995,
			"blockTimeStamp": 1700000000000
		}`,
	})
	defer server.Close()

	client := newTestTronClient(server.URL)
	transfers, err := client.AddressTransfers(context.Background(), tronWallet, 49999900, 50000000)
	require.NoError(t, err)

	// 转出的那笔被过滤掉
	require.Len(t, transfers, 1)
	tx := transfers[0]
	assert.Equal(t, tronTxID, tx.TxHash)
	assert.Equal(t, tronWallet, tx.To)
	assert.True(t, decimal.NewFromInt(2).Equal(tx.Amount))
	assert.Equal(t, uint64(49999995), tx.BlockNumber)
	assert.Equal(t, 6, tx.Confirmations)
}

func TestTronAddressTransfersPaginates(t *testing.T) {
	entry := func(id string) string {
		return `{"transaction_id": "` + id + `",
			"from": "TAUN6FwrnwwmaEqYcckffC7wYmbaS6cBiX",
			"to": "` + tronWallet + `",
			"value": "1000000",
			"block_timestamp": 1700000000000}`
	}

	// 首页满页并带 fingerprint，次页收尾
	var page1 []string
	for i := 0; i < tronPageLimit; i++ {
		page1 = append(page1, entry(fmt.Sprintf("tx-page1-%02d", i)))
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasPrefix(r.URL.Path, "/v1/accounts/"):
			if r.URL.Query().Get("fingerprint") == "" {
				w.Write([]byte(`{"data": [` + strings.Join(page1, ",") + `], "meta": {"fingerprint": "fp-next"}}`))
			} else {
				w.Write([]byte(`{"data": [` + entry("tx-page2-00") + `]}`))
			}
		case strings.HasPrefix(r.URL.Path, "/walletsolidity/gettransactioninfobyid"):
			w.Write([]byte(`{"id": "` + tronTxID + `", "blockNumber": 49999995, "blockTimeStamp": 1700000000000}`))
		default:
			w.Write([]byte(`{}`))
		}
	}))
	defer server.Close()

	client := newTestTronClient(server.URL)
	transfers, err := client.AddressTransfers(context.Background(), tronWallet, 49999900, 50000000)
	require.NoError(t, err)
	assert.Len(t, transfers, tronPageLimit+1)
}

func TestTronAddressTransfersWatermarkFilter(t *testing.T) {
	server := newTronServer(map[string]string{
		"/v1/accounts/": `{"data": [{
			"transaction_id": "` + tronTxID + `",
			"from": "TAUN6FwrnwwmaEqYcckffC7wYmbaS6cBiX",
			"to": "` + tronWallet + `",
			"value": "2000000",
			"block_timestamp": 1700000000000
		}]}`,
		"/walletsolidity/gettransactioninfobyid": `{
			"id": "` + tronTxID + `",
			"blockNumber": 49999995,
			"blockTimeStamp": 1700000000000
		}`,
	})
	defer server.Close()

	client := newTestTronClient(server.URL)

	// 交易区块不高于水位时被过滤
	transfers, err := client.AddressTransfers(context.Background(), tronWallet, 49999995, 50000000)
	require.NoError(t, err)
	assert.Empty(t, transfers)
}

func TestTronTokenBalance(t *testing.T) {
	server := newTronServer(map[string]string{
		"/wallet/triggerconstantcontract": `{"constant_result": ["00000000000000000000000000000000000000000000000000000000000f4240"]}`,
	})
	defer server.Close()

	client := newTestTronClient(server.URL)
	balance, err := client.TokenBalance(context.Background(), tronWallet)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(1).Equal(balance))
}
