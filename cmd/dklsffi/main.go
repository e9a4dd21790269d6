//go:build cgo && !windows

// Command dklsffi builds the C shared library:
//
//	go build -buildmode=c-shared -o libdkls23.so ./cmd/dklsffi
//
// Every export takes a NUL-terminated JSON request and returns a
// NUL-terminated JSON response allocated with malloc. Callers release
// responses with dkls_free, which wipes them first since they may hold key
// shares.
package main

/*
#include <stdlib.h>
#include <string.h>
*/
import "C"

import (
	"context"
	"log/slog"
	"os"
	"unsafe"

	"github.com/0xCarbon/libtss/pkg/dkls23"
	"github.com/0xCarbon/libtss/pkg/dkls23/bridge"
	"github.com/0xCarbon/libtss/pkg/dkls23/keystore"
	"github.com/0xCarbon/libtss/pkg/dkls23/logging"
)

// lib is the one handler the shared library serves. Coordinators it creates
// are owned through handles, not package state.
var lib = newHandler()

// newHandler tracks key share epochs in the badger directory named by
// DKLS23_KEYSTORE_DIR, or in memory for the life of the process when it is
// unset, so retired shares are refused.
func newHandler() *bridge.Handler {
	log := logging.New(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	opts := []bridge.Option{bridge.WithLogger(log)}
	store, err := keystore.Open(keystore.Config{Dir: os.Getenv("DKLS23_KEYSTORE_DIR"), Logger: log})
	if err != nil {
		log.Error(context.Background(), "key share store unavailable", "error", err.Error())
	} else {
		opts = append(opts, bridge.WithStore(store))
	}
	return bridge.NewHandler(nil, opts...)
}

func call(op string, in *C.char) *C.char {
	var req []byte
	if in != nil {
		req = C.GoBytes(unsafe.Pointer(in), C.int(C.strlen(in)))
	}
	resp := lib.Call(context.Background(), op, req)
	dkls23.ZeroizeBytes(req)
	out := (*C.char)(C.malloc(C.size_t(len(resp) + 1)))
	buf := unsafe.Slice((*byte)(unsafe.Pointer(out)), len(resp)+1)
	copy(buf, resp)
	buf[len(resp)] = 0
	dkls23.ZeroizeBytes(resp)
	return out
}

//export dkls_call
func dkls_call(op *C.char, in *C.char) *C.char {
	return call(C.GoString(op), in)
}

//export dkls_free
func dkls_free(p *C.char) {
	if p == nil {
		return
	}
	C.memset(unsafe.Pointer(p), 0, C.strlen(p))
	C.free(unsafe.Pointer(p))
}

//export dkls_dkg_phase1
func dkls_dkg_phase1(in *C.char) *C.char { return call("dkls_dkg_phase1", in) }

//export dkls_dkg_phase2
func dkls_dkg_phase2(in *C.char) *C.char { return call("dkls_dkg_phase2", in) }

//export dkls_dkg_phase3
func dkls_dkg_phase3(in *C.char) *C.char { return call("dkls_dkg_phase3", in) }

//export dkls_dkg_phase4
func dkls_dkg_phase4(in *C.char) *C.char { return call("dkls_dkg_phase4", in) }

//export dkls_sign_phase1
func dkls_sign_phase1(in *C.char) *C.char { return call("dkls_sign_phase1", in) }

//export dkls_sign_phase2
func dkls_sign_phase2(in *C.char) *C.char { return call("dkls_sign_phase2", in) }

//export dkls_sign_phase3
func dkls_sign_phase3(in *C.char) *C.char { return call("dkls_sign_phase3", in) }

//export dkls_sign_phase4
func dkls_sign_phase4(in *C.char) *C.char { return call("dkls_sign_phase4", in) }

//export dkls_re_key_phase1
func dkls_re_key_phase1(in *C.char) *C.char { return call("dkls_re_key_phase1", in) }

//export dkls_re_key_phase2
func dkls_re_key_phase2(in *C.char) *C.char { return call("dkls_re_key_phase2", in) }

//export dkls_re_key_phase3
func dkls_re_key_phase3(in *C.char) *C.char { return call("dkls_re_key_phase3", in) }

//export dkls_re_key_phase4
func dkls_re_key_phase4(in *C.char) *C.char { return call("dkls_re_key_phase4", in) }

//export dkls_verify_ecdsa_signature
func dkls_verify_ecdsa_signature(in *C.char) *C.char { return call(bridge.OpVerify, in) }

//export dkls_derive_from_path
func dkls_derive_from_path(in *C.char) *C.char { return call(bridge.OpDeriveFromPath, in) }

//export dkls_derive_child
func dkls_derive_child(in *C.char) *C.char { return call(bridge.OpDeriveChild, in) }

//export dkls_derive_public
func dkls_derive_public(in *C.char) *C.char { return call(bridge.OpDerivePublic, in) }

//export dkls_import_key
func dkls_import_key(in *C.char) *C.char { return call(bridge.OpImportKey, in) }

//export dkls_session_new
func dkls_session_new(in *C.char) *C.char { return call(bridge.OpSessionNew, in) }

//export dkls_session_submit
func dkls_session_submit(in *C.char) *C.char { return call(bridge.OpSessionSubmit, in) }

//export dkls_session_status
func dkls_session_status(in *C.char) *C.char { return call(bridge.OpSessionStatus, in) }

//export dkls_session_close
func dkls_session_close(in *C.char) *C.char { return call(bridge.OpSessionClose, in) }

//export dkls_version
func dkls_version() *C.char { return call(bridge.OpVersion, nil) }

func main() {}
