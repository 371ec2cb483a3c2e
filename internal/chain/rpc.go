package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"chainpay/internal/util"

	"go.uber.org/zap"
)

// RPCClient RPC 客户端，支持重试和端点故障转移
type RPCClient struct {
	endpoints       []string
	currentIndex    int
	client          *http.Client
	maxRetries      int
	retryDelay      time.Duration // 重试基础延迟
	failureCount    map[string]int
	lastFailureTime map[string]time.Time
	healthCheckInt  time.Duration // 失败端点重新试用的间隔
	logger          *zap.SugaredLogger
	mu              sync.RWMutex
}

// NewRPCClient 创建 RPC 客户端
// endpoints 第一个为主节点，其余为备用；timeout 为单次请求超时。
func NewRPCClient(endpoints []string, timeout time.Duration, logger *zap.SugaredLogger) *RPCClient {
	if len(endpoints) == 0 {
		endpoints = []string{""}
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &RPCClient{
		endpoints:    endpoints,
		currentIndex: 0,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		maxRetries:      3,
		retryDelay:      1 * time.Second,
		failureCount:    make(map[string]int),
		lastFailureTime: make(map[string]time.Time),
		healthCheckInt:  1 * time.Minute,
		logger:          logger,
	}
}

// Get 执行 GET 请求，支持重试和故障转移
func (c *RPCClient) Get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// PostJSON 执行 JSON 请求(TronGrid REST 和 EVM JSON-RPC 共用)
func (c *RPCClient) PostJSON(ctx context.Context, path string, request interface{}) ([]byte, error) {
	reqBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, reqBody)
}

// do 带重试、退避和端点切换的请求主路径
func (c *RPCClient) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	c.applyRateLimit()

	var lastErr error
	endpointSwitches := 0
	maxSwitches := len(c.endpoints)

	for retry := 0; retry <= c.maxRetries; retry++ {
		if err := ctx.Err(); err != nil {
			return nil, &NetworkError{Op: method + " " + path, Endpoint: c.getCurrentEndpoint(), Err: err}
		}

		endpoint := c.getCurrentEndpoint()
		url := endpoint + path

		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return nil, &NetworkError{Op: method + " " + path, Endpoint: endpoint, Err: err}
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err == nil && resp.StatusCode < 500 {
			respBody, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil {
				lastErr = readErr
				c.recordFailure(endpoint)
			} else {
				c.recordSuccess(endpoint)
				return respBody, nil
			}
		} else {
			if resp != nil {
				resp.Body.Close()
			}
			lastErr = err
			if err == nil {
				lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
			}
			c.recordFailure(endpoint)
		}

		// 最后一次重试失败，尝试切换端点
		if retry == c.maxRetries {
			if endpointSwitches < maxSwitches && c.switchEndpoint() {
				endpointSwitches++
				retry = 0
				continue
			}
			break
		}

		// 指数退避
		delay := c.retryDelay * time.Duration(1<<uint(retry))
		c.logger.Warnw("rpc request failed, retrying",
			"attempt", retry+1, "max", c.maxRetries+1, "error", lastErr, "delay", delay)

		select {
		case <-ctx.Done():
			return nil, &NetworkError{Op: method + " " + path, Endpoint: endpoint, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}

	return nil, &NetworkError{
		Op:       method + " " + path,
		Endpoint: c.getCurrentEndpoint(),
		Err:      fmt.Errorf("all rpc endpoints failed: %w", lastErr),
	}
}

// getCurrentEndpoint 获取当前端点
func (c *RPCClient) getCurrentEndpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.currentIndex >= len(c.endpoints) {
		c.currentIndex = 0
	}
	return c.endpoints[c.currentIndex]
}

// switchEndpoint 切换到下一个可用端点
func (c *RPCClient) switchEndpoint() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.endpoints) <= 1 {
		return false
	}

	startIndex := c.currentIndex
	for i := 0; i < len(c.endpoints); i++ {
		c.currentIndex = (c.currentIndex + 1) % len(c.endpoints)
		endpoint := c.endpoints[c.currentIndex]

		if c.isEndpointHealthy(endpoint) {
			c.logger.Infow("switched rpc endpoint",
				"from", c.endpoints[startIndex], "to", endpoint)
			return true
		}
	}

	// 所有端点都不可用，回到第一个
	c.currentIndex = 0
	return false
}

// isEndpointHealthy 检查端点是否健康
func (c *RPCClient) isEndpointHealthy(endpoint string) bool {
	failures := c.failureCount[endpoint]
	lastFailure := c.lastFailureTime[endpoint]

	// 失败次数少于3次认为健康
	if failures < 3 {
		return true
	}

	// 最后失败时间超过健康检查间隔，给它一次机会
	if time.Since(lastFailure) > c.healthCheckInt {
		c.failureCount[endpoint] = 0
		return true
	}

	return false
}

func (c *RPCClient) recordSuccess(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCount[endpoint] = 0
}

func (c *RPCClient) recordFailure(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCount[endpoint]++
	c.lastFailureTime[endpoint] = time.Now()
}

// Stats 端点统计信息
func (c *RPCClient) Stats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	counts := make(map[string]int, len(c.failureCount))
	for k, v := range c.failureCount {
		counts[k] = v
	}
	return map[string]interface{}{
		"endpoints":      c.endpoints,
		"current_index":  c.currentIndex,
		"failure_counts": counts,
	}
}

// applyRateLimit 根据端点提供商应用限流策略
func (c *RPCClient) applyRateLimit() {
	endpoint := c.getCurrentEndpoint()

	switch {
	case strings.Contains(endpoint, "trongrid.io"):
		// TronGrid免费版：保守按每秒5次
		util.GetAPILimiter("trongrid", 5.0, 10).Wait()
	case strings.Contains(endpoint, "infura.io"):
		util.GetAPILimiter("infura", 10.0, 20).Wait()
	case strings.Contains(endpoint, "binance.org"), strings.Contains(endpoint, "bsc-dataseed"):
		util.GetAPILimiter("bsc", 10.0, 20).Wait()
	default:
		util.GetAPILimiter("generic-rpc", 5.0, 10).Wait()
	}
}
