package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind — категория доменной ошибки. По Kind HTTP-слой выбирает код
// ответа, а планировщик — политику повторов.
type Kind int

const (
	// KindInternal — прочие ошибки
	KindInternal Kind = iota
	// KindStagingIO — ошибка записи во временный файл
	KindStagingIO
	// KindUnsupportedChecksumVariant — узел не поддерживает запрошенный алгоритм
	KindUnsupportedChecksumVariant
	// KindChecksumMismatch — контрольная сумма не совпала с ожидаемой
	KindChecksumMismatch
	// KindNoDisksAvailable — нет подходящего тома
	KindNoDisksAvailable
	// KindCommit — ошибка фиксации до MAIN_COMMITTED
	KindCommit
	// KindReplication — ошибка создания реплики
	KindReplication
	// KindDeliveryTransient — временная ошибка доставки
	KindDeliveryTransient
	// KindDeliveryPermanent — постоянная ошибка доставки
	KindDeliveryPermanent
	// KindSubscriptionValidation — некорректное определение подписки
	KindSubscriptionValidation
	// KindValidation — некорректные параметры запроса
	KindValidation
	// KindNotFound — объект не найден
	KindNotFound
)

var kindNames = map[Kind]string{
	KindInternal:                   "INTERNAL_ERROR",
	KindStagingIO:                  "STAGING_IO_ERROR",
	KindUnsupportedChecksumVariant: "UNSUPPORTED_CHECKSUM_VARIANT",
	KindChecksumMismatch:           "CHECKSUM_MISMATCH",
	KindNoDisksAvailable:           "NO_DISKS_AVAILABLE",
	KindCommit:                     "COMMIT_ERROR",
	KindReplication:                "REPLICATION_ERROR",
	KindDeliveryTransient:          "DELIVERY_TRANSIENT",
	KindDeliveryPermanent:          "DELIVERY_PERMANENT",
	KindSubscriptionValidation:     "SUBSCRIPTION_VALIDATION_ERROR",
	KindValidation:                 "VALIDATION_ERROR",
	KindNotFound:                   "NOT_FOUND",
}

// String возвращает машиночитаемый код категории.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("KIND_%d", int(k))
}

// Error — доменная ошибка с категорией и структурированным контекстом.
type Error struct {
	// Kind — категория
	Kind Kind
	// Op — операция, в которой произошла ошибка ("staging.finalize", "commit.promote")
	Op string
	// Message — описание для человека
	Message string
	// Fields — дополнительные поля (file_id, disk_id, ...)
	Fields map[string]string
	// Err — исходная ошибка
	Err error
}

// E создаёт доменную ошибку.
func E(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// With добавляет поле контекста и возвращает ту же ошибку.
func (e *Error) With(key, value string) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[key] = value
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(" ")
			}
			b.WriteString(k + "=" + e.Fields[k])
		}
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf возвращает категорию первой доменной ошибки в цепочке.
// Для ошибок без категории возвращает KindInternal.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsKind проверяет категорию ошибки.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
