package docs

var topics = []Topic{
	{
		Name:    "quickstart",
		Title:   "Quick Start",
		Summary: "Getting started with stepwise",
		Content: topicQuickstart,
	},
	{
		Name:    "workflows",
		Title:   "Workflow Definitions",
		Summary: "Definition file schema, versions, and validation",
		Content: topicWorkflows,
	},
	{
		Name:    "states",
		Title:   "Step States",
		Summary: "Step lifecycle, retries, and administrative reset",
		Content: topicStates,
	},
	{
		Name:    "gates",
		Title:   "Gates",
		Summary: "Human approval, validated gates, and built-in validators",
		Content: topicGates,
	},
	{
		Name:    "config",
		Title:   "Configuration Reference",
		Summary: "Config keys, defaults, and environment overrides",
		Content: topicConfig,
	},
	{
		Name:    "stores",
		Title:   "Manifest Stores",
		Summary: "File, NATS, Postgres, and memory backends",
		Content: topicStores,
	},
	{
		Name:    "http",
		Title:   "HTTP API",
		Summary: "Endpoints served by 'stepwise serve'",
		Content: topicHTTP,
	},
	{
		Name:    "artifacts",
		Title:   "Artifacts Directory",
		Summary: "Where 'stepwise run' keeps outputs, inputs, and logs",
		Content: topicArtifacts,
	},
}

const topicQuickstart = `Quick Start
===========

1. Initialize a project:

    cd your-project
    stepwise init

   This creates .stepwise/config.yaml and .stepwise/workflows/docs-v1.yaml.

2. Preview the example workflow:

    stepwise plan docs/v1

3. Start a feature and drive it locally:

    stepwise start docs/v1 checkout-redesign
    stepwise run checkout-redesign

   'run' executes each eligible step's run command, records its outputs,
   and stops at human gates to ask for a decision. Add --auto to approve
   human gates without asking.

4. Or drive steps by hand (or from another tool):

    stepwise next checkout-redesign
    stepwise begin checkout-redesign prd
    stepwise submit checkout-redesign prd outputs.yaml
    stepwise gate checkout-redesign prd approve --notes "looks good"

5. Inspect progress at any time:

    stepwise status checkout-redesign
`

const topicWorkflows = `Workflow Definitions
====================

A definition is a YAML (or JSON) file under workflow.definitions_dir:

    version: docs/v1            # required, unique, immutable once installed
    name: Feature documents     # optional
    description: ...            # optional
    retryCeiling: 3             # optional, overrides workflow.retry_ceiling
    steps:
      - id: prd                 # required, unique
        dependsOn: []           # steps that must be COMPLETED first
        requiredOutputs: [prd.md]
        gate: human_approval    # none | human_approval | validated
        validator: ""           # required when gate is validated
        phase: planning         # label used by 'stepwise plan'
        description: ...
        run: ...                # command used by 'stepwise run'

Loading rejects:
  - unknown fields
  - duplicate or empty step ids
  - dependencies on steps that do not exist, or on the step itself
  - dependency cycles
  - validated gates without a validator

Steps are ordered topologically; ties keep declaration order.

A feature stays bound to the version it started with. To change a
workflow, install it under a new version:

    stepwise definitions install ./docs-v2.yaml
`

const topicStates = `Step States
===========

    PENDING        a dependency is not COMPLETED yet
    ELIGIBLE       every dependency is COMPLETED; the step may begin
    IN_PROGRESS    a worker began the step
    AWAITING_GATE  finished, waiting for its gate
    COMPLETED      done
    FAILED         failed past the retry ceiling, or rejected at its gate
    BLOCKED        an upstream step is FAILED

Transitions:

    begin          ELIGIBLE -> IN_PROGRESS
    complete       IN_PROGRESS -> COMPLETED, or AWAITING_GATE when gated
                   (every required output must be present)
    fail           IN_PROGRESS -> ELIGIBLE while attempts <= ceiling,
                   otherwise FAILED and every dependent becomes BLOCKED
    gate decision  AWAITING_GATE -> COMPLETED (approved), FAILED (rejected)
                   or ELIGIBLE (revise, notes kept as feedback)
    reset          IN_PROGRESS -> ELIGIBLE once stale (workflow.stale_after)
                   or with --force; FAILED -> ELIGIBLE with attempts cleared

Every commit increments the manifest version. Two writers that loaded the
same version cannot both commit: the second gets a version conflict
(exit code 15, HTTP 409) and should reload and try again.
`

const topicGates = `Gates
=====

human_approval
  The step parks in AWAITING_GATE until someone records a decision:

    stepwise gate <feature> <step> approve|reject|revise --notes "..." --by ana

  'stepwise run' prompts for it: y approves, "reject" or "reject: <notes>"
  rejects, anything else is sent back as revision feedback. With --auto,
  human gates are approved as "auto".

  The gates section of config.yaml overrides --auto for single steps:

    gates:
      prd: required    # always ask, even with --auto
      tasks: auto      # never ask

  'stepwise plan' shows the override next to the gate.

validated
  The validator runs in the same commit as the completion. A pass
  approves the step; a failure sends it back to ELIGIBLE with the
  validator's message as feedback. Decisions are recorded as
  "validator:<name>".

Built-in validators:

    non-empty         every required output has a non-blank reference
    refs-are-paths    references are relative paths (an optional #fragment
                      is ignored)
    has-content-hash  references end in #sha256:<64 hex digits>

Gate decisions are never overwritten; each feature keeps the full list.
`

const topicConfig = `Configuration Reference
=======================

stepwise reads .stepwise/config.yaml from the project root (the nearest
parent directory containing .stepwise/). Every key can be overridden by
an environment variable: STEPWISE_ plus the key in upper case with dots
replaced by underscores.

    store.backend              file              STEPWISE_STORE_BACKEND
    store.dir                  .stepwise/manifests
    store.nats.url             ""                STEPWISE_STORE_NATS_URL
    store.nats.bucket          STEPWISE_MANIFESTS
    store.nats.embedded        false
    store.postgres.dsn         ""                STEPWISE_STORE_POSTGRES_DSN
    workflow.definitions_dir   .stepwise/workflows
    workflow.artifacts_dir     .stepwise/artifacts
    workflow.retry_ceiling     3
    workflow.stale_after       30m
    log.level                  info              debug, info, warn, error
    log.format                 console           console or json
    http.addr                  127.0.0.1:8080
    http.rate_limit            20                requests/second per client, 0 disables
    http.rate_burst            40
    gates.<step>               (none)            auto or required; file only

Relative paths are resolved against the project root.
`

const topicStores = `Manifest Stores
===============

file      One JSON file per feature under store.dir. Writes take an
          exclusive lock and replace the file atomically. Processes on the
          same host coordinate safely. 'stepwise watch' follows changes.

nats      A JetStream key-value bucket. Conditional writes use the key's
          revision. Set store.nats.embedded to run an in-process server
          that persists under store.dir.

postgres  A single manifests table. Conditional writes are an UPDATE
          guarded by the version column. The table is created on first use.
          'stepwise watch' polls this backend.

memory    Process-local; useful with 'stepwise serve' for experiments.
`

const topicHTTP = `HTTP API
========

'stepwise serve' listens on http.addr. Each client IP is limited to
http.rate_limit requests per second (429 when exceeded); /healthz is exempt.

    GET  /healthz
    GET  /metrics                                   Prometheus metrics
    GET  /v1/definitions
    GET  /v1/plan?definition=<version>
    POST /v1/features                               {"definition", "featureId"}
    GET  /v1/features
    GET  /v1/features/:id
    GET  /v1/features/:id/next
    POST /v1/features/:id/steps/:step/begin         {"actor"}
    POST /v1/features/:id/steps/:step/complete      {"outputs": {...}}
    POST /v1/features/:id/steps/:step/await-gate    {"outputs": {...}}
    POST /v1/features/:id/steps/:step/fail          {"error"}
    POST /v1/features/:id/steps/:step/reset         {"force"}
    POST /v1/features/:id/steps/:step/gate          {"decision", "decidedBy", "notes"}

Errors return {"error", "kind"} with:

    400 definition_error
    404 not_found
    409 duplicate_feature, illegal_transition, no_pending_gate,
        version_conflict
    422 missing_outputs
    423 retry_exhausted (the committed manifest is included)
`

const topicArtifacts = `Artifacts Directory
===================

'stepwise run' keeps per-feature files under workflow.artifacts_dir:

    .stepwise/artifacts/<feature>/
    ├── <output>              files named in requiredOutputs
    ├── inputs/<step>.yaml    dependency outputs and reviewer feedback
    └── logs/<step>.log       run command output (stdout + stderr)

Run commands see these variables, both as $NAME in the command and as
STEPWISE_NAME in the environment:

    FEATURE_ID, DEFINITION, STEP_ID, ATTEMPT, ARTIFACTS_DIR,
    OUTPUT_DIR, INPUTS_FILE, WORK_DIR, PROJECT_ROOT

A command may also print a required output instead of writing it, as a
fenced block annotated with its name:

    ` + "```markdown file=prd.md" + `
    # PRD
    ` + "```" + `

Such blocks are written to OUTPUT_DIR unless the file already exists.

Each output found after the command exits is recorded in the manifest as
"<path>#sha256:<hex>".
`
