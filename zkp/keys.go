package zkp

import (
	"fmt"
	"io"
	"time"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/kzg"
	"github.com/consensys/gnark/backend/plonk"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/scs"
	gnarklogger "github.com/consensys/gnark/logger"
	"github.com/consensys/gnark/test/unsafekzg"

	"github.com/radiusxyz/secure-rpc/log"
)

// Curve is the pairing curve every circuit is proven over.
const Curve = ecc.BLS12_377

func logger() *log.Logger { return log.Default().Module("zkp") }

func init() {
	// gnark logs through its own zerolog instance; this package reports
	// through the gateway logger instead.
	gnarklogger.Disable()
}

// CircuitKeys holds everything needed to prove and verify one circuit: the
// compiled constraint system, the KZG structured reference string in
// canonical and Lagrange form, and the PlonK proving and verifying keys.
type CircuitKeys struct {
	ID          CircuitID
	Shape       Shape
	CCS         constraint.ConstraintSystem
	SRS         kzg.SRS
	SRSLagrange kzg.SRS
	PK          plonk.ProvingKey
	VK          plonk.VerifyingKey
}

// FileNames returns the names of the setup parameter, proving key and
// verifying key files for id.
func FileNames(id CircuitID) (param, pk, vk string) {
	return string(id) + "_zkp_param.data", string(id) + "_proving_key.data", string(id) + "_verifying_key.data"
}

// Compile compiles the circuit id at the given shape into a PlonK
// constraint system. Compilation is deterministic.
func Compile(id CircuitID, shape Shape) (constraint.ConstraintSystem, error) {
	circuit, err := newCircuit(id, shape)
	if err != nil {
		return nil, err
	}
	ccs, err := frontend.Compile(Curve.ScalarField(), scs.NewBuilder, circuit)
	if err != nil {
		return nil, fmt.Errorf("zkp: compile %s: %w", id, err)
	}
	return ccs, nil
}

// SetupCircuit compiles circuit id and runs a fresh PlonK setup. The SRS is
// generated locally from random toxic waste; deployments that need a
// ceremony-backed SRS load the key files instead.
func SetupCircuit(id CircuitID, shape Shape) (*CircuitKeys, error) {
	start := time.Now()
	ccs, err := Compile(id, shape)
	if err != nil {
		return nil, err
	}
	srs, srsLagrange, err := unsafekzg.NewSRS(ccs)
	if err != nil {
		return nil, fmt.Errorf("zkp: srs for %s: %w", id, err)
	}
	pk, vk, err := plonk.Setup(ccs, srs, srsLagrange)
	if err != nil {
		return nil, fmt.Errorf("zkp: setup %s: %w", id, err)
	}
	logger().Info("circuit setup complete", "circuit", id, "limbs", shape.Limbs,
		"chunks", shape.Chunks, "constraints", ccs.GetNbConstraints(), "elapsed", time.Since(start))
	return &CircuitKeys{ID: id, Shape: shape, CCS: ccs, SRS: srs, SRSLagrange: srsLagrange, PK: pk, VK: vk}, nil
}

// WriteTo serializes the keys into the three artifact streams.
func (ck *CircuitKeys) WriteTo(param, pk, vk io.Writer) error {
	if _, err := ck.SRS.WriteTo(param); err != nil {
		return fmt.Errorf("zkp: write srs: %w", err)
	}
	if _, err := ck.SRSLagrange.WriteTo(param); err != nil {
		return fmt.Errorf("zkp: write lagrange srs: %w", err)
	}
	if _, err := ck.PK.WriteTo(pk); err != nil {
		return fmt.Errorf("zkp: write proving key: %w", err)
	}
	if _, err := ck.VK.WriteTo(vk); err != nil {
		return fmt.Errorf("zkp: write verifying key: %w", err)
	}
	return nil
}

// ReadCircuitKeys loads keys written by WriteTo. The constraint system is
// recompiled from the circuit definition rather than stored.
func ReadCircuitKeys(id CircuitID, shape Shape, param, pk, vk io.Reader) (*CircuitKeys, error) {
	ccs, err := Compile(id, shape)
	if err != nil {
		return nil, err
	}
	ck := &CircuitKeys{
		ID:          id,
		Shape:       shape,
		CCS:         ccs,
		SRS:         kzg.NewSRS(Curve),
		SRSLagrange: kzg.NewSRS(Curve),
		PK:          plonk.NewProvingKey(Curve),
		VK:          plonk.NewVerifyingKey(Curve),
	}
	if _, err := ck.SRS.ReadFrom(param); err != nil {
		return nil, fmt.Errorf("zkp: read srs: %w", err)
	}
	if _, err := ck.SRSLagrange.ReadFrom(param); err != nil {
		return nil, fmt.Errorf("zkp: read lagrange srs: %w", err)
	}
	if _, err := ck.PK.ReadFrom(pk); err != nil {
		return nil, fmt.Errorf("zkp: read proving key: %w", err)
	}
	if _, err := ck.VK.ReadFrom(vk); err != nil {
		return nil, fmt.Errorf("zkp: read verifying key: %w", err)
	}
	return ck, nil
}
