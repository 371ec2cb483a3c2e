package chain

import (
	"errors"
	"fmt"
)

// ErrNotFound 交易/地址暂无数据，轮询期间属正常情况
var ErrNotFound = errors.New("chain: not found")

// NetworkError 网络层错误(超时/不可达)，可重试
type NetworkError struct {
	Op       string
	Endpoint string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("chain: network error in %s (%s): %v", e.Op, e.Endpoint, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ChainDataError 响应格式异常/数据不可解析，不可盲目重试
type ChainDataError struct {
	Op     string
	Detail string
}

func (e *ChainDataError) Error() string {
	return fmt.Sprintf("chain: bad chain data in %s: %s", e.Op, e.Detail)
}

// IsNotFound 是否为"查无此数据"
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsNetworkError 是否为可重试的网络错误
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsChainDataError 是否为链数据错误
func IsChainDataError(err error) bool {
	var de *ChainDataError
	return errors.As(err, &de)
}
