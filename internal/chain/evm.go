package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chainpay/config"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ERC20 Transfer(address,address,uint256) 事件签名
const transferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

// balanceOf(address) 方法ID
const balanceOfSelector = "0x70a08231"

// EVMClient EVM 兼容链客户端(ERC20/BEP20 共用)，走 JSON-RPC
type EVMClient struct {
	network  string
	rpc      *RPCClient
	contract string // USDT 合约地址(小写hex)
	logger   *zap.SugaredLogger
}

// NewEVMClient 创建 EVM 客户端
func NewEVMClient(network string, cfg config.ChainConfig, logger *zap.SugaredLogger) *EVMClient {
	endpoints := append([]string{cfg.RPC}, cfg.BackupRPCs...)
	return &EVMClient{
		network:  network,
		rpc:      NewRPCClient(endpoints, time.Duration(cfg.RPCTimeout)*time.Second, logger.With("chain", network)),
		contract: strings.ToLower(cfg.ContractAddress),
		logger:   logger.With("chain", network),
	}
}

func (c *EVMClient) Network() string { return c.network }

// rpcResult 单个 JSON-RPC 响应
type rpcResult struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call 执行一次 JSON-RPC 调用
func (c *EVMClient) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	body, err := c.rpc.PostJSON(ctx, "", map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      1,
	})
	if err != nil {
		return err
	}

	var resp rpcResult
	if err := json.Unmarshal(body, &resp); err != nil {
		return &ChainDataError{Op: method, Detail: err.Error()}
	}
	if resp.Error != nil {
		return &ChainDataError{Op: method, Detail: resp.Error.Message}
	}
	if string(resp.Result) == "null" || len(resp.Result) == 0 {
		return ErrNotFound
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return &ChainDataError{Op: method, Detail: err.Error()}
	}
	return nil
}

// LatestBlockNumber 当前链头高度
func (c *EVMClient) LatestBlockNumber(ctx context.Context) (uint64, error) {
	var result string
	if err := c.call(ctx, "eth_blockNumber", []interface{}{}, &result); err != nil {
		return 0, err
	}
	return ParseHexUint64(result), nil
}

// topicAddress 从 32 字节的 indexed topic 中取出地址
// topic 必须是 0x + 64 位十六进制；畸形数据返回 false，调用方按坏数据处理。
func topicAddress(topic string) (string, bool) {
	if len(topic) != 66 || !strings.HasPrefix(topic, "0x") {
		return "", false
	}
	return "0x" + topic[26:], true
}

// evmLog eth_getLogs / receipt 中的日志条目
type evmLog struct {
	TransactionHash string   `json:"transactionHash"`
	Address         string   `json:"address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	BlockNumber     string   `json:"blockNumber"`
	Removed         bool     `json:"removed"`
}

// GetTransaction 按哈希取回执并解码 Transfer 事件
func (c *EVMClient) GetTransaction(ctx context.Context, txHash string) (*TransactionDetails, error) {
	var receipt struct {
		TransactionHash string   `json:"transactionHash"`
		BlockNumber     string   `json:"blockNumber"`
		Status          string   `json:"status"`
		Logs            []evmLog `json:"logs"`
	}
	if err := c.call(ctx, "eth_getTransactionReceipt", []interface{}{txHash}, &receipt); err != nil {
		return nil, err
	}

	blockNumber := ParseHexUint64(receipt.BlockNumber)
	success := receipt.Status == "0x1"

	// 在回执日志中找目标合约的 Transfer 事件
	var transfer *evmLog
	for i := range receipt.Logs {
		l := &receipt.Logs[i]
		if strings.EqualFold(l.Address, c.contract) && len(l.Topics) == 3 && l.Topics[0] == transferTopic {
			transfer = l
			break
		}
	}
	if transfer == nil {
		return nil, &ChainDataError{Op: "eth_getTransactionReceipt", Detail: "no token transfer log in receipt"}
	}

	latest, err := c.LatestBlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	confirmations := 0
	if latest >= blockNumber && blockNumber > 0 {
		confirmations = int(latest - blockNumber + 1)
	}

	from, okFrom := topicAddress(transfer.Topics[1])
	to, okTo := topicAddress(transfer.Topics[2])
	if !okFrom || !okTo {
		return nil, &ChainDataError{Op: "eth_getTransactionReceipt", Detail: "malformed transfer topic"}
	}

	return &TransactionDetails{
		TxHash:        txHash,
		Network:       c.network,
		From:          from,
		To:            to,
		Amount:        ParseHexAmount(transfer.Data, USDTDecimals),
		BlockNumber:   blockNumber,
		Confirmations: confirmations,
		Success:       success,
	}, nil
}

// AddressTransfers 用 eth_getLogs 取区间内转入该地址的 Transfer 事件
func (c *EVMClient) AddressTransfers(ctx context.Context, address string, sinceBlock, untilBlock uint64) ([]TransactionDetails, error) {
	if untilBlock <= sinceBlock {
		return nil, nil
	}

	address = NormalizeAddress(address, c.network)

	var logs []evmLog
	err := c.call(ctx, "eth_getLogs", []interface{}{
		map[string]interface{}{
			"fromBlock": fmt.Sprintf("0x%x", sinceBlock+1),
			"toBlock":   fmt.Sprintf("0x%x", untilBlock),
			"address":   c.contract,
			"topics": []interface{}{
				transferTopic,
				nil, // from: 任意
				PadTopicAddress(address),
			},
		},
	}, &logs)
	if err != nil {
		// 区间内没有日志不是错误
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}

	var transfers []TransactionDetails
	for _, l := range logs {
		if l.Removed || len(l.Topics) < 3 {
			continue
		}
		from, ok := topicAddress(l.Topics[1])
		if !ok {
			// 坏节点返回的畸形日志，跳过这一条，别拖垮整轮扫描
			c.logger.Warnw("malformed transfer topic in log, skipped",
				"tx_hash", l.TransactionHash, "topic", l.Topics[1])
			continue
		}

		blockNumber := ParseHexUint64(l.BlockNumber)
		confirmations := 0
		if untilBlock >= blockNumber && blockNumber > 0 {
			confirmations = int(untilBlock - blockNumber + 1)
		}

		transfers = append(transfers, TransactionDetails{
			TxHash:        l.TransactionHash,
			Network:       c.network,
			From:          from,
			To:            address,
			Amount:        ParseHexAmount(l.Data, USDTDecimals),
			BlockNumber:   blockNumber,
			Confirmations: confirmations,
			Success:       true, // 事件日志只会出现在成功交易中
		})
	}

	return transfers, nil
}

// TokenBalance 用 eth_call 查询 USDT 余额
func (c *EVMClient) TokenBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	address = NormalizeAddress(address, c.network)
	data := balanceOfSelector + PadTopicAddress(address)[2:]

	var result string
	err := c.call(ctx, "eth_call", []interface{}{
		map[string]interface{}{
			"to":   c.contract,
			"data": data,
		},
		"latest",
	}, &result)
	if err != nil {
		return decimal.Zero, err
	}

	return ParseHexAmount(result, USDTDecimals), nil
}
