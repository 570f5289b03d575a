package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// RenderDockerfile renders def as an equivalent multi-stage Dockerfile.
// Cache steps become cache mounts on the run steps that follow them, and
// informational args are declared in the final stage only, as labels.
func RenderDockerfile(def *Definition) string {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	if def.Name != "" {
		fmt.Fprintf(&b, "# pipeline: %s\n", def.Name)
	}

	for si, st := range def.Stages {
		last := si == len(def.Stages)-1
		base := st.Base
		if base == "" {
			base = "scratch"
		}
		fmt.Fprintf(&b, "\nFROM %s AS %s\n", base, st.Name)

		for _, a := range def.Args {
			if a.Informational {
				continue
			}
			if a.Default != "" {
				fmt.Fprintf(&b, "ARG %s=%s\n", a.Name, a.Default)
			} else {
				fmt.Fprintf(&b, "ARG %s\n", a.Name)
			}
		}
		if len(st.Packages) > 0 {
			fmt.Fprintf(&b, "RUN apt-get update && apt-get install -y --no-install-recommends %s && rm -rf /var/lib/apt/lists/*\n",
				strings.Join(st.Packages, " "))
		}
		workdir := workdirOrRoot(st.Workdir)
		if st.Workdir != "" {
			fmt.Fprintf(&b, "WORKDIR %s\n", workdir)
		}

		// Stage env is visible to every run step of the stage.
		keys := make([]string, 0, len(st.Env))
		for k := range st.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "ENV %s=%s\n", k, shellQuote(st.Env[k]))
		}

		var mounts []string
		for _, step := range st.Steps {
			switch step.kind() {
			case "run":
				b.WriteString("RUN ")
				for _, m := range mounts {
					fmt.Fprintf(&b, "--mount=type=cache,target=%s ", m)
				}
				b.WriteString(runForm(step.Run))
				b.WriteByte('\n')
			case "substitute":
				dst := imagePath(workdir, step.Substitute.Dst)
				fmt.Fprintf(&b, "RUN mkdir -p %s && cp %s %s\n",
					parentDir(dst), imagePath(workdir, step.Substitute.Src), dst)
			case "copy":
				from := ""
				if step.Copy.From != "" {
					from = "--from=" + step.Copy.From + " "
				}
				for _, p := range step.Copy.Paths {
					src := p.Src
					if step.Copy.From != "" {
						src = imagePath(workdirOrRoot(def.Stages[def.stageIndex(step.Copy.From)].Workdir), src)
					}
					fmt.Fprintf(&b, "COPY %s%s %s\n", from, src, imagePath(workdir, p.Dst))
				}
			case "cache":
				for _, p := range step.Cache {
					mounts = append(mounts, imagePath(workdir, p))
				}
			}
		}

		if last {
			for _, a := range def.Args {
				if !a.Informational {
					continue
				}
				fmt.Fprintf(&b, "ARG %s\n", a.Name)
				fmt.Fprintf(&b, "LABEL %s=$%s\n", a.labelKey(), a.Name)
			}
			fmt.Fprintf(&b, "ENTRYPOINT %s\n", execForm(def.Entrypoint))
		}
	}
	return b.String()
}

// runForm renders argv in exec form, or in shell form when it references
// build args, since exec form does not expand them.
func runForm(argv []string) string {
	for _, a := range argv {
		if argRef.MatchString(a) {
			parts := make([]string, len(argv))
			for i, a := range argv {
				parts[i] = shellQuote(a)
			}
			return strings.Join(parts, " ")
		}
	}
	return execForm(argv)
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n\"'\\|&;<>()*?[]#~`!") {
		return s
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "`", "\\`")
	return `"` + r.Replace(s) + `"`
}

// execForm renders argv as a JSON array.
func execForm(argv []string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(argv)
	return strings.TrimSpace(buf.String())
}

func parentDir(p string) string {
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "/"
	}
	return p[:i]
}
