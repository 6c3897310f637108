package domain

import (
	"errors"
	"fmt"
)

// Kind clasifica los errores que cruzan los límites de los ports.
// Es un conjunto cerrado: cualquier switch sobre Kind debe cubrirlos todos.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidationFailed
	KindDuplicatePrediction
	KindCooldownActive
	KindNoSlotsAvailable
	KindSlotConsumptionRaced
	KindOracleTimeout
	KindOracleRateLimited
	KindOracleUnavailable
	KindOracleInvalidParams
	KindSettlementDataNotReady // interno: dispara retry, nunca llega al caller
	KindPersistenceFailure
)

// String devuelve el nombre legible del kind.
func (k Kind) String() string {
	switch k {
	case KindValidationFailed:
		return "ValidationFailed"
	case KindDuplicatePrediction:
		return "DuplicatePrediction"
	case KindCooldownActive:
		return "CooldownActive"
	case KindNoSlotsAvailable:
		return "NoSlotsAvailable"
	case KindSlotConsumptionRaced:
		return "SlotConsumptionRaced"
	case KindOracleTimeout:
		return "OracleTimeout"
	case KindOracleRateLimited:
		return "OracleRateLimited"
	case KindOracleUnavailable:
		return "OracleUnavailable"
	case KindOracleInvalidParams:
		return "OracleInvalidParams"
	case KindSettlementDataNotReady:
		return "SettlementDataNotReady"
	case KindPersistenceFailure:
		return "PersistenceFailure"
	default:
		return "Unknown"
	}
}

// Code devuelve el código estable que ve un cliente.
// COOLDOWN_ACTIVE ("espera al timer") y NO_SLOTS ("espera indefinida") son distintos a propósito.
func (k Kind) Code() string {
	switch k {
	case KindValidationFailed:
		return "VALIDATION_FAILED"
	case KindDuplicatePrediction:
		return "DUPLICATE_PREDICTION"
	case KindCooldownActive:
		return "COOLDOWN_ACTIVE"
	case KindNoSlotsAvailable:
		return "NO_SLOTS"
	case KindSlotConsumptionRaced:
		return "SLOT_CONSUMPTION_FAILED"
	case KindOracleTimeout:
		return "ORACLE_TIMEOUT"
	case KindOracleRateLimited:
		return "ORACLE_RATE_LIMITED"
	case KindOracleUnavailable:
		return "ORACLE_UNAVAILABLE"
	case KindOracleInvalidParams:
		return "ORACLE_INVALID_PARAMS"
	case KindSettlementDataNotReady:
		return "SETTLEMENT_DATA_NOT_READY"
	case KindPersistenceFailure:
		return "PERSISTENCE_FAILURE"
	default:
		return "INTERNAL_ERROR"
	}
}

// Error es el error tipado del dominio.
type Error struct {
	Kind Kind
	Op   string // operación que falló, p.ej. "engine.CreatePrediction"
	Msg  string
	Err  error
}

// E construye un *Error. err puede ser nil.
func E(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is compara por Kind, así errors.Is(err, domain.ErrNoSlots) funciona con
// cualquier *Error del mismo kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels para errors.Is.
var (
	ErrValidation      = &Error{Kind: KindValidationFailed}
	ErrDuplicate       = &Error{Kind: KindDuplicatePrediction}
	ErrCooldownActive  = &Error{Kind: KindCooldownActive}
	ErrNoSlots         = &Error{Kind: KindNoSlotsAvailable}
	ErrSlotRaced       = &Error{Kind: KindSlotConsumptionRaced}
	ErrOracleTimeout   = &Error{Kind: KindOracleTimeout}
	ErrOracleRateLimit = &Error{Kind: KindOracleRateLimited}
	ErrOracleDown      = &Error{Kind: KindOracleUnavailable}
	ErrOracleBadParams = &Error{Kind: KindOracleInvalidParams}
	ErrDataNotReady    = &Error{Kind: KindSettlementDataNotReady}
	ErrPersistence     = &Error{Kind: KindPersistenceFailure}
)

// KindOf devuelve el Kind del primer *Error en la cadena, o KindUnknown.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// Validationf es un atajo para errores de validación.
func Validationf(op, format string, args ...any) *Error {
	return E(KindValidationFailed, op, fmt.Sprintf(format, args...), nil)
}
