package util

import "errors"

var (
	ErrInvalidInput   = errors.New("source term is not valid text")
	ErrVocabularyLoad = errors.New("vocabulary load failed")
	ErrRetrieval      = errors.New("semantic retrieval failed")
	ErrArbitration    = errors.New("llm arbitration failed")
)
