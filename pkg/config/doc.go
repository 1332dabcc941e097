// Package config loads and validates devloop configuration.
//
// A configuration document may be written in CUE, YAML or JSON. Every
// document is unified with the closed #Config definition of the built-in
// CUE schema, so unknown keys and out-of-range values are reported with
// their file position. The checked document is then overlaid on Default,
// environment overrides are applied, and the result is struct-validated
// for cross-field rules the schema cannot express.
//
// # Usage Example
//
//	parser := config.NewParser()
//	cfg, err := parser.Load("devloop.cue")
//	if err != nil {
//	    var verrs config.ValidationErrors
//	    if errors.As(err, &verrs) {
//	        for _, e := range verrs {
//	            fmt.Println(e)
//	        }
//	    }
//	    return err
//	}
//	controller, err := workflow.NewController(cfg.ControllerConfig(), deps)
//
// # Environment
//
// DEVLOOP_GITHUB_TOKEN, DEVLOOP_AGENT_URL, DEVLOOP_AGENT_TOKEN and
// DEVLOOP_DB_PATH override the corresponding settings when non-empty.
package config
