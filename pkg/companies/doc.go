// Package companies defines the plan-related fields of a marketplace company
// and the store that persists them.
//
// A company's ranking is a tagged value: it is either derived from the plan
// tier or pinned manually by an operator. Plan activations on the top tier
// keep a manual ranking; every other plan change replaces it with the tier
// default.
package companies
