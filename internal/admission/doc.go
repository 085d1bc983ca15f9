// Package admission decides whether a worker may receive work. Requirements are
// validated once, up front, and then evaluated against the worker's granted
// qualifications held in the credential store.
package admission
