package pipeline

import (
	"fmt"
	"time"

	"github.com/felixgeelhaar/bringup/internal/domain/step"
)

// SecureBootPolicy decides when Secure Boot is turned off.
type SecureBootPolicy string

const (
	// SecureBootReactive disables Secure Boot only after the driver
	// install is observed to be blocked by it.
	SecureBootReactive SecureBootPolicy = "reactive"
	// SecureBootPreemptive disables Secure Boot before installing the
	// driver.
	SecureBootPreemptive SecureBootPolicy = "preemptive"
)

// ParseSecureBootPolicy parses a policy name; empty means reactive.
func ParseSecureBootPolicy(s string) (SecureBootPolicy, error) {
	switch SecureBootPolicy(s) {
	case "", SecureBootReactive:
		return SecureBootReactive, nil
	case SecureBootPreemptive:
		return SecureBootPreemptive, nil
	default:
		return "", fmt.Errorf("unknown secure boot policy %q (want reactive or preemptive)", s)
	}
}

// ProviderCommands are the opaque resource-provider commands the built-in
// pipeline invokes. Each is a template rendered against the run context.
type ProviderCommands struct {
	Create            string
	Start             string
	Restart           string
	Deallocate        string
	Delete            string
	OpenPort          string
	DisableSecureBoot string
}

// Options tune the built-in pipeline.
type Options struct {
	SecureBoot SecureBootPolicy
	Provider   ProviderCommands
	// DeprovisionOnSuccess appends deallocation to the normal walk.
	// Otherwise the deprovision step only runs on cleanup.
	DeprovisionOnSuccess bool
}

// Built-in step IDs.
const (
	ProvisionVM           step.ID = "provision-vm"
	OpenServicePort       step.ID = "open-service-port"
	DisableSecureBoot     step.ID = "disable-secure-boot"
	InstallDriver         step.ID = "install-driver"
	RebootVM              step.ID = "reboot-vm"
	VerifyDriver          step.ID = "verify-driver"
	InstallCUDA           step.ID = "install-cuda"
	InstallSystemPackages step.ID = "install-system-packages"
	InstallEnvManager     step.ID = "install-env-manager"
	BuildPipeline         step.ID = "build-pipeline"
	PinRuntimeDeps        step.ID = "pin-runtime-deps"
	UseAlternateAttention step.ID = "use-alternate-attention"
	ConfigureRuntimeEnv   step.ID = "configure-runtime-env"
	VerifySingleInput     step.ID = "verify-single-input"
	VerifyMultiInput      step.ID = "verify-multi-input"
	VerifyService         step.ID = "verify-service"
	StartVM               step.ID = "start-vm"
	Deprovision           step.ID = "deprovision"
)

// Failure causes recognized by the built-in classifiers.
const (
	CauseSecureBoot      = "secure-boot-blocked"
	CauseVersionMismatch = "version-mismatch"
	CauseABIMismatch     = "abi-mismatch"
	CauseQuota           = "quota-exhausted"
	CauseAuth            = "not-authenticated"
	CauseAptLock         = "apt-lock"
	CauseNetwork         = "network"
)

// DefaultVars are the template variables the built-in pipeline expects.
// Manifest vars override them.
func DefaultVars() map[string]string {
	return map[string]string{
		"driver_package":  "nvidia-driver-535",
		"cuda_package":    "cuda-toolkit-12-2",
		"cuda_home":       "/usr/local/cuda-12.2",
		"system_packages": "build-essential git libgl1 libglib2.0-0",
		"conda_url":       "https://repo.anaconda.com/miniconda/Miniconda3-latest-Linux-x86_64.sh",
		"conda_prefix":    "$HOME/miniconda3",
		"env_name":        "pipeline",
		"repo":            "https://github.com/microsoft/TRELLIS.git",
		"workdir":         "$HOME/TRELLIS",
		"setup_flags":     "--basic --xformers --flash-attn --diffoctreerast --spconv --mipgaussian --kaolin --nvdiffrast",
		"torch_version":   "2.4.0",
		"attn_backend":    "flash-attn",
		"spconv_algo":     "native",
		"single_example":  "example.py",
		"multi_example":   "example_multi_image.py",
		"multi_result":    "multi_result.json",
		"service_entry":   "app.py",
		"port":            "7860",
	}
}

// commonRules classify failures every remote step can hit.
func commonRules() []step.Rule {
	return []step.Rule{
		step.MustRule(`(?i)(connection (reset|refused|timed out)|could not resolve host|temporary failure in name resolution|network is unreachable)`, step.FailureTransient, CauseNetwork),
		step.MustRule(`(?i)could not get lock|dpkg was interrupted|unable to acquire the dpkg frontend lock`, step.FailureTransient, CauseAptLock),
		step.MustRule(`(?i)no space left on device`, step.FailureFatal, "disk-full"),
	}
}

func providerRules() []step.Rule {
	return []step.Rule{
		step.MustRule(`(?i)(QuotaExceeded|OperationNotAllowed.*quota|SkuNotAvailable|not enough cores)`, step.FailureFatal, CauseQuota),
		step.MustRule(`(?i)(AuthorizationFailed|please run 'az login'|InvalidAuthenticationToken|credentials? (not found|expired))`, step.FailureConfiguration, CauseAuth),
		step.MustRule(`(?i)(RetryableError|ServiceUnavailable|TooManyRequests|timed out|AllocationFailed)`, step.FailureTransient, CauseNetwork),
		step.MustRule(`(?i)(InvalidParameter|BadRequest|ResourceNotFound)`, step.FailureConfiguration, "rejected-request"),
	}
}

func remoteClassifier(rules ...step.Rule) step.Classifier {
	return step.NewClassifier(commonRules()...).With(rules...)
}

// Default returns the built-in GPU bring-up pipeline:
//
//	provision-vm → [disable-secure-boot] → install-driver → reboot-vm →
//	verify-driver → install-cuda → install-system-packages →
//	install-env-manager → build-pipeline → configure-runtime-env →
//	verify-single-input → verify-multi-input → verify-service →
//	[deprovision]
//
// pin-runtime-deps and use-alternate-attention are remediation-only.
func Default(opts Options) (*Registry, error) {
	policy, err := ParseSecureBootPolicy(string(opts.SecureBoot))
	if err != nil {
		return nil, step.NewConfigurationError(step.ErrCodeInvalidManifest, "invalid secure boot policy").WithUnderlying(err)
	}
	if opts.Provider.Create == "" {
		return nil, step.NewConfigurationError(step.ErrCodeInvalidManifest, "provider create command is required").
			WithSuggestion("Set provider.create in the manifest.")
	}

	preemptive := policy == SecureBootPreemptive
	longRetry := step.RetryPolicy{MaxAttempts: 3, InitialBackoff: 15 * time.Second, MaxBackoff: 2 * time.Minute, Multiplier: 2}

	r := NewRegistry()

	steps := []step.Step{
		{
			ID:          ProvisionVM,
			Description: "Create the GPU virtual machine",
			Stage:       step.StageProvision,
			Action: step.Action{
				Kind:    step.ActionLocal,
				Command: opts.Provider.Create,
				Outputs: []string{"public_ip", "vm_id"},
			},
			Retry:      step.RetryPolicy{MaxAttempts: 3, InitialBackoff: 30 * time.Second, MaxBackoff: 5 * time.Minute, Multiplier: 2},
			Timeout:    20 * time.Minute,
			Classifier: step.NewClassifier(providerRules()...),
		},
	}

	if opts.Provider.Start != "" {
		steps = append(steps, step.Step{
			ID:          StartVM,
			Description: "Start the deallocated virtual machine",
			Stage:       step.StageProvision,
			Action: step.Action{
				Kind:    step.ActionLocal,
				Command: opts.Provider.Start,
				Outputs: []string{"public_ip"},
			},
			Idempotent: true,
			Timeout:    15 * time.Minute,
			Classifier: step.NewClassifier(providerRules()...),
			OnDemand:   true,
			Reactivate: true,
		})
	}

	if opts.Provider.OpenPort != "" {
		steps = append(steps, step.Step{
			ID:            OpenServicePort,
			Description:   "Open the service port to inbound traffic",
			Stage:         step.StageConfigure,
			Prerequisites: []step.ID{ProvisionVM},
			Action:        step.Action{Kind: step.ActionLocal, Command: opts.Provider.OpenPort},
			Idempotent:    true,
			Timeout:       5 * time.Minute,
			Classifier:    step.NewClassifier(providerRules()...),
		})
	}

	secureBootCmd := opts.Provider.DisableSecureBoot
	if secureBootCmd == "" {
		secureBootCmd = `echo "disable Secure Boot for {{ .Handle.Name }} in the provider console, then retry" >&2; exit 1`
	}
	steps = append(steps, step.Step{
		ID:            DisableSecureBoot,
		Description:   "Disable Secure Boot so unsigned kernel modules can load",
		Stage:         step.StageConfigure,
		Prerequisites: []step.ID{ProvisionVM},
		Action:        step.Action{Kind: step.ActionLocal, Command: secureBootCmd},
		Idempotent:    true,
		Timeout:       10 * time.Minute,
		Classifier:    step.NewClassifier(providerRules()...).With(step.MustRule(`(?i)in the provider console`, step.FailureConfiguration, "manual-action")),
		OnDemand:      !preemptive,
	})

	driverPrereqs := []step.ID{ProvisionVM}
	if preemptive {
		driverPrereqs = append(driverPrereqs, DisableSecureBoot)
	}

	restartCmd := opts.Provider.Restart
	if restartCmd == "" {
		restartCmd = `ssh -o StrictHostKeyChecking=accept-new {{ .Target.User }}@{{ .Handle.PublicIP }} 'sudo systemctl reboot' || true`
	}

	steps = append(steps,
		step.Step{
			ID:            InstallDriver,
			Description:   "Install the GPU driver and load the kernel module",
			Stage:         step.StageInstall,
			Prerequisites: driverPrereqs,
			Action: step.Action{
				Kind: step.ActionRemote,
				Command: `set -e
sudo apt-get update -y
sudo DEBIAN_FRONTEND=noninteractive apt-get install -y {{ .Vars.driver_package }}
sudo modprobe nvidia`,
				Check: `nvidia-smi -L`,
			},
			Idempotent: true,
			Retry:      longRetry,
			Timeout:    30 * time.Minute,
			Classifier: remoteClassifier(
				step.MustRule(`(?i)(key was rejected by service|secure boot|required key not available)`, step.FailureEnvironment, CauseSecureBoot),
			),
			Remediations: []step.Remediation{
				{Kind: step.FailureEnvironment, Cause: CauseSecureBoot, Step: DisableSecureBoot},
			},
		},
		step.Step{
			ID:            RebootVM,
			Description:   "Reboot so the driver is loaded at boot",
			Stage:         step.StageInstall,
			Prerequisites: []step.ID{InstallDriver},
			Action:        step.Action{Kind: step.ActionLocal, Command: restartCmd},
			Idempotent:    true,
			Timeout:       10 * time.Minute,
			Classifier:    step.NewClassifier(providerRules()...),
		},
		step.Step{
			ID:            VerifyDriver,
			Description:   "Confirm the GPU is visible after reboot",
			Stage:         step.StageInstall,
			Prerequisites: []step.ID{RebootVM},
			Action:        step.Action{Kind: step.ActionRemote, Command: `nvidia-smi --query-gpu=name,memory.total --format=csv,noheader`},
			Idempotent:    true,
			Retry:         step.RetryPolicy{MaxAttempts: 6, InitialBackoff: 20 * time.Second, MaxBackoff: time.Minute, Multiplier: 1.5},
			Timeout:       2 * time.Minute,
			Classifier: remoteClassifier(
				step.MustRule(`(?i)NVIDIA-SMI has failed`, step.FailureEnvironment, "driver-not-loaded"),
			),
		},
		step.Step{
			ID:            InstallCUDA,
			Description:   "Install the CUDA toolkit",
			Stage:         step.StageInstall,
			Prerequisites: []step.ID{VerifyDriver},
			Action: step.Action{
				Kind: step.ActionRemote,
				Command: `set -e
sudo DEBIAN_FRONTEND=noninteractive apt-get install -y {{ .Vars.cuda_package }}
{{ .Vars.cuda_home }}/bin/nvcc --version`,
				Check: `test -x {{ .Vars.cuda_home }}/bin/nvcc`,
			},
			Idempotent: true,
			Retry:      longRetry,
			Timeout:    45 * time.Minute,
			Classifier: remoteClassifier(),
		},
		step.Step{
			ID:            InstallSystemPackages,
			Description:   "Install build tools and system libraries",
			Stage:         step.StageInstall,
			Prerequisites: []step.ID{InstallCUDA},
			Action: step.Action{
				Kind:    step.ActionRemote,
				Command: `sudo DEBIAN_FRONTEND=noninteractive apt-get install -y {{ .Vars.system_packages }}`,
			},
			Idempotent: true,
			Retry:      longRetry,
			Timeout:    20 * time.Minute,
			Classifier: remoteClassifier(),
		},
		step.Step{
			ID:            InstallEnvManager,
			Description:   "Install the Python environment manager and create the environment",
			Stage:         step.StageInstall,
			Prerequisites: []step.ID{InstallSystemPackages},
			Action: step.Action{
				Kind: step.ActionRemote,
				Command: `set -e
if [ ! -x {{ .Vars.conda_prefix }}/bin/conda ]; then
  curl -fsSL -o /tmp/miniconda.sh {{ .Vars.conda_url }}
  bash /tmp/miniconda.sh -b -p {{ .Vars.conda_prefix }}
fi
{{ .Vars.conda_prefix }}/bin/conda env list | grep -q '^{{ .Vars.env_name }} ' || {{ .Vars.conda_prefix }}/bin/conda create -y -n {{ .Vars.env_name }} python=3.10`,
			},
			Idempotent: true,
			Retry:      longRetry,
			Timeout:    20 * time.Minute,
			Classifier: remoteClassifier(),
		},
		step.Step{
			ID:            BuildPipeline,
			Description:   "Clone the pipeline source and build its native extensions",
			Stage:         step.StageBuild,
			Prerequisites: []step.ID{InstallEnvManager},
			Action: step.Action{
				Kind: step.ActionRemote,
				Command: `set -e
[ -d {{ .Vars.workdir }}/.git ] || git clone --recurse-submodules {{ .Vars.repo }} {{ .Vars.workdir }}
cd {{ .Vars.workdir }}
. {{ .Vars.conda_prefix }}/etc/profile.d/conda.sh
conda activate {{ .Vars.env_name }}
FLAGS="{{ .Vars.setup_flags }}"
if [ -f .bringup-attn ]; then FLAGS=$(echo "$FLAGS" | sed 's/--flash-attn//'); fi
. ./setup.sh $FLAGS
python -c "import torch; assert torch.cuda.is_available()"
touch .bringup-built`,
				Env:   map[string]string{"CUDA_HOME": "{{ .Vars.cuda_home }}"},
				Check: `test -f {{ .Vars.workdir }}/.bringup-built`,
			},
			Retry:   step.RetryPolicy{MaxAttempts: 3, InitialBackoff: 30 * time.Second, MaxBackoff: 2 * time.Minute, Multiplier: 2},
			Timeout: 90 * time.Minute,
			Classifier: remoteClassifier(
				step.MustRule(`(?i)(undefined symbol.*flash_attn|flash_attn.*(ABI|undefined symbol|ImportError))`, step.FailureEnvironment, CauseABIMismatch),
				step.MustRule(`(?i)(requires torch[=<>]|torch.*version mismatch|incompatible.*torch|No matching distribution found for torch)`, step.FailureEnvironment, CauseVersionMismatch),
			),
			Remediations: []step.Remediation{
				{Kind: step.FailureEnvironment, Cause: CauseABIMismatch, Step: UseAlternateAttention},
				{Kind: step.FailureEnvironment, Cause: CauseVersionMismatch, Step: PinRuntimeDeps},
			},
		},
		step.Step{
			ID:            PinRuntimeDeps,
			Description:   "Pin the ML framework to a known-good version and reinstall",
			Stage:         step.StageBuild,
			Prerequisites: []step.ID{InstallEnvManager},
			Action: step.Action{
				Kind: step.ActionRemote,
				Command: `set -e
. {{ .Vars.conda_prefix }}/etc/profile.d/conda.sh
conda activate {{ .Vars.env_name }}
pip install --force-reinstall torch=={{ .Vars.torch_version }}`,
			},
			Idempotent: true,
			Timeout:    30 * time.Minute,
			Classifier: remoteClassifier(),
			OnDemand:   true,
		},
		step.Step{
			ID:            UseAlternateAttention,
			Description:   "Switch to the alternate attention backend",
			Stage:         step.StageBuild,
			Prerequisites: []step.ID{InstallEnvManager},
			Action: step.Action{
				Kind: step.ActionRemote,
				Command: `set -e
mkdir -p {{ .Vars.workdir }}
echo xformers > {{ .Vars.workdir }}/.bringup-attn
. {{ .Vars.conda_prefix }}/etc/profile.d/conda.sh
conda activate {{ .Vars.env_name }}
pip uninstall -y flash-attn || true`,
			},
			Idempotent: true,
			Timeout:    15 * time.Minute,
			Classifier: remoteClassifier(),
			OnDemand:   true,
		},
		step.Step{
			ID:            ConfigureRuntimeEnv,
			Description:   "Write the runtime environment file",
			Stage:         step.StageConfigure,
			Prerequisites: []step.ID{BuildPipeline},
			Action: step.Action{
				Kind: step.ActionRemote,
				Command: `set -e
BACKEND={{ .Vars.attn_backend }}
[ -f {{ .Vars.workdir }}/.bringup-attn ] && BACKEND=$(cat {{ .Vars.workdir }}/.bringup-attn)
printf 'ATTN_BACKEND=%s\nSPCONV_ALGO=%s\n' "$BACKEND" {{ .Vars.spconv_algo }} > {{ .Vars.workdir }}/.bringup.env`,
			},
			Idempotent: true,
			Timeout:    2 * time.Minute,
			Classifier: remoteClassifier(),
		},
		verifyStep(VerifySingleInput, "Run the single-input smoke test", ConfigureRuntimeEnv,
			`python {{ .Vars.single_example }}`,
			&step.VerifySpec{Artifacts: []string{"{{ .Vars.workdir }}/sample.glb", "{{ .Vars.workdir }}/sample_gs.mp4"}}),
		verifyStep(VerifyMultiInput, "Run the multi-input smoke test", VerifySingleInput,
			`python {{ .Vars.multi_example }}`,
			&step.VerifySpec{Result: &step.ResultCheck{Path: "{{ .Vars.workdir }}/{{ .Vars.multi_result }}", SizeField: "gaussians"}}),
		verifyStep(VerifyService, "Launch the service and wait for its health check", VerifyMultiInput,
			`nohup python {{ .Vars.service_entry }} --port {{ .Vars.port }} > service.log 2>&1 &`,
			&step.VerifySpec{Service: &step.ServiceCheck{Port: "{{ .Vars.port }}", Path: "/", Timeout: 5 * time.Minute}}),
	)

	if opts.Provider.Deallocate != "" {
		steps = append(steps, step.Step{
			ID:            Deprovision,
			Description:   "Deallocate the virtual machine",
			Stage:         step.StageCleanup,
			Prerequisites: []step.ID{VerifyService},
			Action:        step.Action{Kind: step.ActionLocal, Command: opts.Provider.Deallocate},
			Idempotent:    true,
			Timeout:       15 * time.Minute,
			Classifier:    step.NewClassifier(providerRules()...),
			Optional:      true,
			Cleanup:       true,
			OnDemand:      !opts.DeprovisionOnSuccess,
		})
	}

	for _, s := range steps {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func verifyStep(id step.ID, desc string, after step.ID, command string, spec *step.VerifySpec) step.Step {
	return step.Step{
		ID:            id,
		Description:   desc,
		Stage:         step.StageVerify,
		Prerequisites: []step.ID{after},
		Action: step.Action{
			Kind: step.ActionVerify,
			Command: `set -e
cd {{ .Vars.workdir }}
. {{ .Vars.conda_prefix }}/etc/profile.d/conda.sh
conda activate {{ .Vars.env_name }}
set -a; . ./.bringup.env; set +a
` + command,
			WorkDir: "{{ .Vars.workdir }}",
			Verify:  spec,
		},
		Idempotent: true,
		Retry:      step.RetryPolicy{MaxAttempts: 2, InitialBackoff: 10 * time.Second, MaxBackoff: time.Minute, Multiplier: 2},
		Timeout:    30 * time.Minute,
		Classifier: remoteClassifier(
			step.MustRule(`(?i)CUDA out of memory`, step.FailureEnvironment, "gpu-memory"),
			step.MustRule(`(?i)(ModuleNotFoundError|ImportError)`, step.FailureEnvironment, "missing-module"),
		),
	}
}
