package service

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ContentStore - хранилище байтов файлов. Реализации: s3, minio, локальная ФС.
type ContentStore interface {
	// Put записывает ровно size байтов по пути path и возвращает итоговый путь.
	// Частично записанный объект при ошибке не остается.
	Put(ctx context.Context, path string, r io.Reader, size int64, contentType string) (string, error)
	// Open возвращает содержимое. Отсутствующий объект - domain.ErrNotFound.
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	// Delete удаляет объект. Отсутствующий объект не считается ошибкой.
	Delete(ctx context.Context, path string) error
}

// ErrSizeMismatch - поток короче или длиннее заявленного размера
var ErrSizeMismatch = errors.New("stream length does not match declared size")

// exactReader отдает ошибку, если поток не совпадает с заявленным размером
type exactReader struct {
	r    io.Reader
	size int64
	read int64
}

func newExactReader(r io.Reader, size int64) *exactReader {
	return &exactReader{r: r, size: size}
}

func (e *exactReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	e.read += int64(n)
	if e.read > e.size {
		return n, fmt.Errorf("%w: more than %d bytes", ErrSizeMismatch, e.size)
	}
	if err == io.EOF && e.read != e.size {
		return n, fmt.Errorf("%w: got %d of %d bytes", ErrSizeMismatch, e.read, e.size)
	}
	return n, err
}
