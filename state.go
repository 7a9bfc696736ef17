// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm

import (
	"io"
	"time"

	drbg "github.com/canonical/go-sp800.90a-drbg"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/canonical/go-swtpm/mu"
)

// persistentData is the state that survives every kind of startup.
type persistentData struct {
	DisableClear bool

	OwnerAuth       Auth
	EndorsementAuth Auth
	LockoutAuth     Auth

	OwnerAlg          HashAlgorithmId
	OwnerPolicy       Digest
	EndorsementAlg    HashAlgorithmId
	EndorsementPolicy Digest
	LockoutAlg        HashAlgorithmId
	LockoutPolicy     Digest

	EPSeed []byte
	SPSeed []byte
	PPSeed []byte

	PHProof []byte
	SHProof []byte
	EHProof []byte

	TotalResetCount uint64
	ResetCount      uint32

	FailedTries        uint32
	MaxTries           uint32
	RecoveryTime       uint32
	LockoutRecovery    uint32
	LockoutAuthEnabled bool

	OrderlyState StartupType
}

// orderlyData is written back periodically and on an orderly shutdown.
type orderlyData struct {
	Clock     uint64
	ClockSafe bool
}

// stateResetData survives a restart or resume, but not a reset.
type stateResetData struct {
	NullProof []byte
	NullSeed  []byte

	ClearCount      uint32
	ObjectContextID uint64
	ContextArray    []uint16
	ContextCounter  uint64
	PCRCounter      uint32
	RestartCount    uint32
}

// stateClearData survives a resume only.
type stateClearData struct {
	SHEnable   bool
	EHEnable   bool
	PHEnableNV bool

	PlatformAuth   Auth
	PlatformAlg    HashAlgorithmId
	PlatformPolicy Digest

	PCRs []pcrBank
}

type startupKind int

const (
	startupReset startupKind = iota
	startupRestart
	startupResume
)

func (k startupKind) String() string {
	switch k {
	case startupRestart:
		return "restart"
	case startupResume:
		return "resume"
	default:
		return "reset"
	}
}

// TPM is a software TPM. It is not safe for concurrent use: every method must
// be called from a single goroutine, or serialized by the caller (see the host
// package).
type TPM struct {
	cfg        Config
	store      Store
	log        logrus.FieldLogger
	timeSource TimeSource
	rand       io.Reader

	gp      persistentData
	orderly orderlyData
	gr      stateResetData
	gc      stateClearData

	failure  *FatalError
	started  bool
	time     uint64
	lastTick time.Duration

	objects  []*object
	sessions []*session

	daPending     bool
	selfHealTimer uint64
	lockoutTimer  uint64

	phEnable         bool
	locality         uint8
	physicalPresence bool
}

// Option is used to customize a TPM created with New.
type Option func(*TPM)

// WithLogger sets the logger used by the TPM.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(t *TPM) {
		t.log = logger
	}
}

// WithTimeSource sets the source of the TPM's time and clock.
func WithTimeSource(ts TimeSource) Option {
	return func(t *TPM) {
		t.timeSource = ts
	}
}

// WithRandReader sets the source of random numbers. The default is a
// CTR_DRBG seeded from the system entropy source.
func WithRandReader(r io.Reader) Option {
	return func(t *TPM) {
		t.rand = r
	}
}

// New returns a new TPM backed by the supplied store. If the store doesn't
// contain a TPM yet, one is manufactured with fresh seeds and proofs. The
// returned TPM is in the same state as after a power cycle, and Startup must be
// called before any other command. If cfg is nil, DefaultConfig is used.
func New(cfg *Config, store Store, opts ...Option) (*TPM, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Errorf("invalid configuration: %w", err)
	}

	t := &TPM{cfg: *cfg, store: store}
	for _, opt := range opts {
		opt(t)
	}
	if t.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		l.SetLevel(cfg.logLevel())
		t.log = l
	}
	if t.timeSource == nil {
		t.timeSource = NewSystemTimeSource()
	}
	if t.rand == nil {
		rng, err := drbg.NewCTR(32, []byte("go-swtpm"), nil)
		if err != nil {
			return nil, xerrors.Errorf("cannot create RNG: %w", err)
		}
		t.rand = rng
	}

	switch _, err := store.ReadReserved(keyPersistent); {
	case err == ErrNotFound:
		if err := t.manufacture(); err != nil {
			return nil, xerrors.Errorf("cannot manufacture TPM: %w", err)
		}
	case err != nil:
		return nil, xerrors.Errorf("cannot read persistent state: %w", err)
	}

	if err := t.Init(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *TPM) manufacture() error {
	if err := t.nvCheck(); err != nil {
		return err
	}

	t.gp = persistentData{
		OwnerAlg:           HashAlgorithmNull,
		EndorsementAlg:     HashAlgorithmNull,
		LockoutAlg:         HashAlgorithmNull,
		EPSeed:             t.random(primarySeedSize),
		SPSeed:             t.random(primarySeedSize),
		PPSeed:             t.random(primarySeedSize),
		PHProof:            t.random(proofSize),
		SHProof:            t.random(proofSize),
		EHProof:            t.random(proofSize),
		MaxTries:           t.cfg.DA.MaxTries,
		RecoveryTime:       t.cfg.DA.RecoveryTime,
		LockoutRecovery:    t.cfg.DA.LockoutRecovery,
		LockoutAuthEnabled: true,
		OrderlyState:       StartupClear}
	t.orderly = orderlyData{ClockSafe: true}

	if err := t.store.DeleteReserved(keyStateReset); err != nil {
		return err
	}
	if err := t.store.DeleteReserved(keyStateClear); err != nil {
		return err
	}
	if err := t.writeRecord(keyOrderly, &t.orderly); err != nil {
		return err
	}
	if err := t.writeRecord(keyPersistent, &t.gp); err != nil {
		return err
	}

	t.log.Info("manufactured new TPM")
	return nil
}

// Init models a power cycle. All volatile state is discarded, failure mode is
// cleared and the TPM must be started again with Startup.
func (t *TPM) Init() error {
	t.failure = nil
	t.started = false
	t.time = 0
	t.lastTick = t.timeSource.Now()
	t.objects = make([]*object, t.cfg.MaxLoadedObjects)
	t.sessions = make([]*session, t.cfg.MaxLoadedSessions)
	t.gr = stateResetData{}
	t.gc = stateClearData{}
	t.daPending = false
	t.phEnable = false
	t.locality = 0
	t.physicalPresence = false

	if err := t.readRecord(keyPersistent, &t.gp); err != nil {
		return xerrors.Errorf("cannot read persistent state: %w", err)
	}
	switch err := t.readRecord(keyOrderly, &t.orderly); {
	case xerrors.Is(err, ErrNotFound):
		t.orderly = orderlyData{}
	case err != nil:
		return xerrors.Errorf("cannot read clock: %w", err)
	}
	return nil
}

// Startup corresponds to the TPM2_Startup command. StartupClear after an
// orderly Shutdown(StartupState) performs a TPM Restart, StartupState after
// Shutdown(StartupState) performs a TPM Resume, and StartupClear otherwise
// performs a TPM Reset.
func (t *TPM) Startup(startupType StartupType) error {
	if t.failure != nil {
		return t.failure
	}
	return t.finish(CommandStartup, t.startup(startupType))
}

func (t *TPM) startup(startupType StartupType) error {
	if t.started {
		return errCode(ErrorInitialize)
	}
	if startupType != StartupClear && startupType != StartupState {
		return errParam(ErrorValue, 1)
	}
	if err := t.nvCheck(); err != nil {
		return err
	}

	orderly := t.gp.OrderlyState != shutdownNone

	var kind startupKind
	switch {
	case startupType == StartupState:
		if t.gp.OrderlyState != StartupState {
			return errParam(ErrorValue, 1)
		}
		kind = startupResume
	case t.gp.OrderlyState == StartupState:
		kind = startupRestart
	default:
		kind = startupReset
	}

	var gr stateResetData
	var gc stateClearData
	if kind != startupReset {
		if err := t.readRecord(keyStateReset, &gr); err != nil {
			if !xerrors.Is(err, ErrNotFound) {
				return err
			}
			return errParam(ErrorValue, 1)
		}
		if len(gr.ContextArray) != t.cfg.MaxActiveSessions {
			return errCode(ErrorNVUninitialized)
		}
	}
	if kind == startupResume {
		if err := t.readRecord(keyStateClear, &gc); err != nil {
			if !xerrors.Is(err, ErrNotFound) {
				return err
			}
			return errParam(ErrorValue, 1)
		}
	}

	switch kind {
	case startupReset:
		t.gp.ResetCount++
		t.gp.TotalResetCount++
		gr = stateResetData{
			NullProof:      t.random(proofSize),
			NullSeed:       t.random(primarySeedSize),
			ContextArray:   make([]uint16, t.cfg.MaxActiveSessions),
			ContextCounter: 1}
		gc = t.newStateClear()
	case startupRestart:
		gr.RestartCount++
		gr.ClearCount++
		gc = t.newStateClear()
	case startupResume:
		gr.RestartCount++
	}

	// Sessions that were loaded when the state was saved are gone.
	for i, v := range gr.ContextArray {
		if v != 0 && v&contextSaved == 0 {
			gr.ContextArray[i] = 0
		}
	}

	t.gr = gr
	t.gc = gc

	if !orderly {
		t.orderly.ClockSafe = false
	}

	if kind != startupResume {
		if err := t.nvStartup(); err != nil {
			return err
		}
	}
	t.daStartup(kind, orderly)

	t.gp.OrderlyState = shutdownNone
	if err := t.writeRecord(keyOrderly, &t.orderly); err != nil {
		return err
	}
	if err := t.writePersistent(); err != nil {
		return err
	}

	t.phEnable = true
	t.started = true
	t.log.WithFields(logrus.Fields{
		"type":          kind,
		"orderly":       orderly,
		"reset-count":   t.gp.ResetCount,
		"restart-count": t.gr.RestartCount}).Info("TPM started")
	return nil
}

func (t *TPM) newStateClear() stateClearData {
	return stateClearData{
		SHEnable:    true,
		EHEnable:    true,
		PHEnableNV:  true,
		PlatformAlg: HashAlgorithmNull,
		PCRs:        newPCRBanks()}
}

// Shutdown corresponds to the TPM2_Shutdown command. StartupState saves the
// state required for a subsequent TPM Resume or TPM Restart.
func (t *TPM) Shutdown(shutdownType StartupType) error {
	return t.runNoOrderly(CommandShutdown, func() error {
		if shutdownType != StartupClear && shutdownType != StartupState {
			return errParam(ErrorValue, 1)
		}
		if err := t.nvCheck(); err != nil {
			return err
		}

		// Sessions that are loaded now can't be restored.
		gr := t.gr
		gr.ContextArray = make([]uint16, len(t.gr.ContextArray))
		for i, v := range t.gr.ContextArray {
			if v&contextSaved != 0 {
				gr.ContextArray[i] = v
			}
		}

		if shutdownType == StartupState {
			if err := t.writeRecord(keyStateClear, &t.gc); err != nil {
				return err
			}
		}
		if err := t.writeRecord(keyStateReset, &gr); err != nil {
			return err
		}

		t.orderly.ClockSafe = true
		if err := t.writeRecord(keyOrderly, &t.orderly); err != nil {
			return err
		}
		if err := t.daFlush(); err != nil {
			return err
		}
		t.gp.OrderlyState = shutdownType
		if err := t.writePersistent(); err != nil {
			return err
		}

		t.log.WithField("type", shutdownType).Info("TPM shut down")
		return nil
	})
}

// run executes fn as the command identified by command. It checks that the
// TPM is operational and maps the returned error.
func (t *TPM) run(command CommandCode, fn func() error) error {
	if t.failure != nil {
		return t.failure
	}
	if err := t.begin(); err != nil {
		return t.finish(command, err)
	}
	return t.finish(command, fn())
}

// runNoOrderly is like run, but doesn't clear the orderly state.
func (t *TPM) runNoOrderly(command CommandCode, fn func() error) error {
	if t.failure != nil {
		return t.failure
	}
	if !t.started {
		return t.finish(command, errCode(ErrorInitialize))
	}
	return t.finish(command, fn())
}

func (t *TPM) begin() error {
	if !t.started {
		return errCode(ErrorInitialize)
	}
	if t.gp.OrderlyState != shutdownNone {
		// Any command after Shutdown voids it.
		if err := t.nvCheck(); err != nil {
			return err
		}
		t.gp.OrderlyState = shutdownNone
		if err := t.writePersistent(); err != nil {
			return err
		}
	}
	return nil
}

func (t *TPM) finish(command CommandCode, err error) error {
	if err == nil {
		return nil
	}
	if t.failure != nil && err == error(t.failure) {
		return err
	}

	setCommand(err, command)

	var f *FatalError
	if xerrors.As(err, &f) {
		t.failure = f
		t.log.WithFields(logrus.Fields{
			"command": command,
			"error":   f.err}).Error("TPM entered failure mode")
		return f
	}

	t.log.WithFields(logrus.Fields{
		"command": command,
		"error":   err}).Debug("command failed")
	return err
}

// InFailureMode indicates whether the TPM has entered failure mode.
func (t *TPM) InFailureMode() bool {
	return t.failure != nil
}

func (t *TPM) nvCheck() error {
	switch t.store.Status() {
	case NVAvailable:
		return nil
	case NVRateLimited:
		return warn(WarningNVRate)
	default:
		return warn(WarningNVUnavailable)
	}
}

func (t *TPM) readRecord(key string, val interface{}) error {
	b, err := t.store.ReadReserved(key)
	if err != nil {
		return err
	}
	if err := mu.UnmarshalExact(b, val); err != nil {
		return fatal("cannot unmarshal %s record: %w", key, err)
	}
	return nil
}

// writeRecord writes a reserved record. Callers check that the store is
// available first, so a failure here is fatal.
func (t *TPM) writeRecord(key string, val interface{}) error {
	b, err := mu.MarshalToBytes(val)
	if err != nil {
		return fatal("cannot marshal %s record: %w", key, err)
	}
	if err := t.store.WriteReserved(key, b); err != nil {
		return fatal("cannot write %s record: %w", key, err)
	}
	return nil
}

func (t *TPM) writePersistent() error {
	return t.writeRecord(keyPersistent, &t.gp)
}

// SetLocality sets the locality at which subsequent commands are executed.
// Values 0 to 4 are the standard localities and values from 32 are extended
// localities.
func (t *TPM) SetLocality(locality uint8) {
	t.locality = locality
}

// SetPhysicalPresence asserts or deasserts physical presence.
func (t *TPM) SetPhysicalPresence(asserted bool) {
	t.physicalPresence = asserted
}
