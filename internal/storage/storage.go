// Package storage は参照画像と生成動画のブロブ保存を抽象化します。
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotExist はオブジェクトが存在しない場合に返されます。
var ErrNotExist = errors.New("blob does not exist")

// Blobs はキーでアドレスされるバイナリ保存先です。
type Blobs interface {
	// Put は r の内容を保存し、書き込んだバイト数を返します。size が不明な場合は -1 を渡します。
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (int64, error)
	// Open はオブジェクトを逐次読み出し用に開き、サイズを返します。
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
	// Delete はオブジェクトを削除します。存在しない場合も成功扱いです。
	Delete(ctx context.Context, key string) error
}
