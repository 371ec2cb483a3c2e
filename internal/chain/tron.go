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

// TronClient TRON 链客户端，走 TronGrid REST API
type TronClient struct {
	network  string
	rpc      *RPCClient
	contract string // USDT 合约地址(base58)
	logger   *zap.SugaredLogger
}

// NewTronClient 创建 TRON 客户端
func NewTronClient(network string, cfg config.ChainConfig, logger *zap.SugaredLogger) *TronClient {
	endpoints := append([]string{cfg.RPC}, cfg.BackupRPCs...)
	return &TronClient{
		network:  network,
		rpc:      NewRPCClient(endpoints, time.Duration(cfg.RPCTimeout)*time.Second, logger.With("chain", network)),
		contract: cfg.ContractAddress,
		logger:   logger.With("chain", network),
	}
}

func (c *TronClient) Network() string { return c.network }

// LatestBlockNumber 取 solid block 高度
// TRON 的确认语义以固化块为准，确认数按固化高度计算。
func (c *TronClient) LatestBlockNumber(ctx context.Context) (uint64, error) {
	body, err := c.rpc.PostJSON(ctx, "/walletsolidity/getnowblock", map[string]interface{}{})
	if err != nil {
		return 0, err
	}

	var result struct {
		BlockHeader struct {
			RawData struct {
				Number uint64 `json:"number"`
			} `json:"raw_data"`
		} `json:"block_header"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, &ChainDataError{Op: "getnowblock", Detail: err.Error()}
	}
	if result.BlockHeader.RawData.Number == 0 {
		return 0, &ChainDataError{Op: "getnowblock", Detail: "missing block number"}
	}

	return result.BlockHeader.RawData.Number, nil
}

// GetTransaction 按哈希取交易并解码 TRC20 转账
func (c *TronClient) GetTransaction(ctx context.Context, txHash string) (*TransactionDetails, error) {
	body, err := c.rpc.PostJSON(ctx, "/wallet/gettransactionbyid", map[string]interface{}{"value": txHash})
	if err != nil {
		return nil, err
	}

	var tx struct {
		TxID    string `json:"txID"`
		RawData struct {
			Contract []struct {
				Type      string `json:"type"`
				Parameter struct {
					Value struct {
						Data            string `json:"data"`
						OwnerAddress    string `json:"owner_address"`
						ContractAddress string `json:"contract_address"`
					} `json:"value"`
				} `json:"parameter"`
			} `json:"contract"`
		} `json:"raw_data"`
		Ret []struct {
			ContractRet string `json:"contractRet"`
		} `json:"ret"`
	}
	if err := json.Unmarshal(body, &tx); err != nil {
		return nil, &ChainDataError{Op: "gettransactionbyid", Detail: err.Error()}
	}

	// TronGrid 对未知交易返回空对象
	if tx.TxID == "" {
		return nil, ErrNotFound
	}

	if len(tx.RawData.Contract) == 0 {
		return nil, &ChainDataError{Op: "gettransactionbyid", Detail: "no contract in raw_data"}
	}
	contract := tx.RawData.Contract[0]
	if contract.Type != "TriggerSmartContract" {
		return nil, &ChainDataError{Op: "gettransactionbyid", Detail: "not a TriggerSmartContract: " + contract.Type}
	}

	// 确认调用目标是配置的 USDT 合约
	contractHex, err := Base58ToHex(c.contract)
	if err != nil {
		return nil, &ChainDataError{Op: "gettransactionbyid", Detail: "bad configured contract: " + err.Error()}
	}
	if !strings.EqualFold(contract.Parameter.Value.ContractAddress, contractHex) {
		return nil, &ChainDataError{Op: "gettransactionbyid", Detail: "unexpected token contract"}
	}

	toAddr, amount, err := DecodeTransferCallData(contract.Parameter.Value.Data)
	if err != nil {
		return nil, &ChainDataError{Op: "gettransactionbyid", Detail: err.Error()}
	}

	success := len(tx.Ret) > 0 && tx.Ret[0].ContractRet == "SUCCESS"

	blockNumber, blockTime, err := c.transactionBlock(ctx, txHash)
	if err != nil {
		return nil, err
	}

	confirmations := 0
	if blockNumber > 0 {
		latest, err := c.LatestBlockNumber(ctx)
		if err != nil {
			return nil, err
		}
		if latest >= blockNumber {
			confirmations = int(latest - blockNumber + 1)
		}
	}

	return &TransactionDetails{
		TxHash:        txHash,
		Network:       c.network,
		From:          HexToBase58(contract.Parameter.Value.OwnerAddress),
		To:            toAddr,
		Amount:        amount,
		BlockNumber:   blockNumber,
		Confirmations: confirmations,
		Timestamp:     blockTime,
		Success:       success,
	}, nil
}

// transactionBlock 取交易所在区块号与时间
func (c *TronClient) transactionBlock(ctx context.Context, txHash string) (uint64, time.Time, error) {
	body, err := c.rpc.PostJSON(ctx, "/walletsolidity/gettransactioninfobyid", map[string]interface{}{"value": txHash})
	if err != nil {
		return 0, time.Time{}, err
	}

	var info struct {
		ID             string `json:"id"`
		BlockNumber    uint64 `json:"blockNumber"`
		BlockTimeStamp int64  `json:"blockTimeStamp"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return 0, time.Time{}, &ChainDataError{Op: "gettransactioninfobyid", Detail: err.Error()}
	}

	// 尚未进固化块
	if info.ID == "" {
		return 0, time.Time{}, nil
	}

	return info.BlockNumber, time.UnixMilli(info.BlockTimeStamp), nil
}

const (
	// TronGrid trc20 列表接口单页上限
	tronPageLimit = 50
	// 单轮扫描最多翻页数，防止异常账户拖死整轮
	tronMaxPages = 10
)

// AddressTransfers 取地址收到的 TRC20 转账
// TronGrid 的 trc20 列表接口不含区块号，按需补查交易信息并按水位过滤；
// 超过单页上限时跟着 meta.fingerprint 翻页，扫描窗口内的转账不漏。
func (c *TronClient) AddressTransfers(ctx context.Context, address string, sinceBlock, untilBlock uint64) ([]TransactionDetails, error) {
	address = NormalizeAddress(address, c.network)

	base := fmt.Sprintf("/v1/accounts/%s/transactions/trc20?only_confirmed=true&limit=%d&contract_address=%s",
		address, tronPageLimit, c.contract)

	var transfers []TransactionDetails
	fingerprint := ""
	for page := 0; page < tronMaxPages; page++ {
		path := base
		if fingerprint != "" {
			path += "&fingerprint=" + fingerprint
		}

		body, err := c.rpc.Get(ctx, path)
		if err != nil {
			return nil, err
		}

		var result struct {
			Data []struct {
				TransactionID  string `json:"transaction_id"`
				From           string `json:"from"`
				To             string `json:"to"`
				Value          string `json:"value"`
				BlockTimestamp int64  `json:"block_timestamp"`
			} `json:"data"`
			Meta struct {
				Fingerprint string `json:"fingerprint"`
			} `json:"meta"`
		}
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, &ChainDataError{Op: "trc20 transfers", Detail: err.Error()}
		}

		for _, tx := range result.Data {
			// 只要转入
			if tx.To != address {
				continue
			}

			blockNumber, blockTime, err := c.transactionBlock(ctx, tx.TransactionID)
			if err != nil {
				// 单笔补查失败不中断整批，留给下一轮
				c.logger.Warnw("failed to resolve block for transfer", "tx_hash", tx.TransactionID, "error", err)
				continue
			}
			if blockNumber == 0 || blockNumber <= sinceBlock || blockNumber > untilBlock {
				continue
			}

			confirmations := 0
			if untilBlock >= blockNumber {
				confirmations = int(untilBlock - blockNumber + 1)
			}

			transfers = append(transfers, TransactionDetails{
				TxHash:        tx.TransactionID,
				Network:       c.network,
				From:          tx.From,
				To:            tx.To,
				Amount:        ParseTokenAmount(tx.Value, USDTDecimals),
				BlockNumber:   blockNumber,
				Confirmations: confirmations,
				Timestamp:     blockTime,
				Success:       true, // only_confirmed=true 已过滤失败交易
			})
		}

		if result.Meta.Fingerprint == "" || len(result.Data) < tronPageLimit {
			break
		}
		fingerprint = result.Meta.Fingerprint
	}

	return transfers, nil
}

// TokenBalance 查询地址的 USDT 余额
func (c *TronClient) TokenBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	ownerHex, err := Base58ToHex(NormalizeAddress(address, c.network))
	if err != nil {
		return decimal.Zero, &ChainDataError{Op: "balanceOf", Detail: "bad address: " + err.Error()}
	}
	contractHex, err := Base58ToHex(c.contract)
	if err != nil {
		return decimal.Zero, &ChainDataError{Op: "balanceOf", Detail: "bad contract: " + err.Error()}
	}

	// balanceOf(address) 参数为不含 41 前缀的20字节地址左补零
	param := strings.Repeat("0", 24) + ownerHex[2:]

	body, err := c.rpc.PostJSON(ctx, "/wallet/triggerconstantcontract", map[string]interface{}{
		"owner_address":     ownerHex,
		"contract_address":  contractHex,
		"function_selector": "balanceOf(address)",
		"parameter":         param,
	})
	if err != nil {
		return decimal.Zero, err
	}

	var result struct {
		ConstantResult []string `json:"constant_result"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return decimal.Zero, &ChainDataError{Op: "balanceOf", Detail: err.Error()}
	}
	if len(result.ConstantResult) == 0 {
		return decimal.Zero, &ChainDataError{Op: "balanceOf", Detail: "empty constant_result"}
	}

	return ParseHexAmount(result.ConstantResult[0], USDTDecimals), nil
}
