// Package errs 定义了入库、检索与删除流水线共用的错误分类。
package errs

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

// Kind 标识一类错误，调用方据此区分用户输入错误与外部依赖的瞬时故障。
type Kind int

const (
	KindUnknown Kind = iota
	KindUnsupportedFormat
	KindInvalidInput
	KindExtraction
	KindEmbedding
	KindIndex
	KindGeneration
	KindNotFound
	KindPartialDelete
	KindStorage
	KindMetadata
)

var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrInvalidInput      = errors.New("invalid input")
	ErrExtraction        = errors.New("text extraction failed")
	ErrEmbedding         = errors.New("embedding failed")
	ErrIndex             = errors.New("vector index operation failed")
	ErrGeneration        = errors.New("answer generation failed")
	ErrNotFound          = errors.New("not found")
	ErrPartialDelete     = errors.New("partial delete failure")
	ErrStorage           = errors.New("object storage operation failed")
	ErrMetadata          = errors.New("metadata store operation failed")
)

var sentinels = map[Kind]error{
	KindUnsupportedFormat: ErrUnsupportedFormat,
	KindInvalidInput:      ErrInvalidInput,
	KindExtraction:        ErrExtraction,
	KindEmbedding:         ErrEmbedding,
	KindIndex:             ErrIndex,
	KindGeneration:        ErrGeneration,
	KindNotFound:          ErrNotFound,
	KindPartialDelete:     ErrPartialDelete,
	KindStorage:           ErrStorage,
	KindMetadata:          ErrMetadata,
}

func (k Kind) String() string {
	if s, ok := sentinels[k]; ok {
		return s.Error()
	}
	return "unknown"
}

// Error 携带错误类别、发生位置与底层原因。
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is 让 errors.Is(err, errs.ErrIndex) 之类的判断按类别命中。
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// E 以指定类别包装 err。
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Ef 以格式化消息构造一个指定类别的错误。
func Ef(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf 返回错误链上第一个可识别的类别。
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var pde *PartialDeleteError
	if errors.As(err, &pde) {
		return KindPartialDelete
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for k, s := range sentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	return KindUnknown
}

// Retryable 报告该错误是否源于外部依赖的瞬时故障，重试可能成功。
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindEmbedding, KindIndex, KindGeneration, KindStorage, KindMetadata, KindPartialDelete:
		return true
	default:
		return false
	}
}

// 删除流水线中可能残留数据的存储。
const (
	StoreObjectStorage = "object_storage"
	StoreVectorIndex   = "vector_index"
	StoreMetadata      = "metadata"
)

// Residue 记录一个仍残留数据的存储以及导致残留的错误。
type Residue struct {
	Store string
	Err   error
}

// PartialDeleteError 汇总一次删除中各存储的失败，运维可据此重新执行删除。
type PartialDeleteError struct {
	DocumentID string
	Residue    []Residue
}

func (e *PartialDeleteError) Error() string {
	return fmt.Sprintf("partial delete failure for document %s: residue in [%s]: %v",
		e.DocumentID, strings.Join(e.Stores(), ", "), e.Unwrap())
}

// Unwrap 返回所有存储错误合并后的结果。
func (e *PartialDeleteError) Unwrap() error {
	var combined error
	for _, r := range e.Residue {
		combined = multierr.Append(combined, fmt.Errorf("%s: %w", r.Store, r.Err))
	}
	return combined
}

func (e *PartialDeleteError) Is(target error) bool {
	return target == ErrPartialDelete
}

// Stores 返回仍残留数据的存储名称（去重，保持出现顺序）。
func (e *PartialDeleteError) Stores() []string {
	seen := make(map[string]struct{}, len(e.Residue))
	stores := make([]string, 0, len(e.Residue))
	for _, r := range e.Residue {
		if _, ok := seen[r.Store]; ok {
			continue
		}
		seen[r.Store] = struct{}{}
		stores = append(stores, r.Store)
	}
	return stores
}

// Add 追加一个存储的失败；err 为 nil 时忽略。
func (e *PartialDeleteError) Add(store string, err error) {
	if err == nil {
		return
	}
	e.Residue = append(e.Residue, Residue{Store: store, Err: err})
}

// HasResidue 报告是否存在指定存储的残留；store 为空时报告是否存在任意残留。
func (e *PartialDeleteError) HasResidue(store string) bool {
	for _, r := range e.Residue {
		if store == "" || r.Store == store {
			return true
		}
	}
	return false
}
