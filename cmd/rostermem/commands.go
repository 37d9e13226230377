package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"rostermem/internal/codec"
	"rostermem/internal/common"
	"rostermem/internal/convert"
	"rostermem/internal/engine"
	"rostermem/internal/journal"
	"rostermem/internal/scanner"
	"rostermem/internal/schema"
)

// --------------------------------------------------------------------------
// schema
// --------------------------------------------------------------------------

func schemaCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Inspect the offset schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Build every version of the schema and report problems",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := o.loadDocument(o.logger(cmd))
			if err != nil {
				return err
			}
			repo := schema.NewRepository(doc)
			out := cmd.OutOrStdout()
			failed := 0
			for _, v := range repo.Versions() {
				s, err := repo.Load(v)
				if err != nil {
					failed++
					fmt.Fprintf(out, "%s: FAILED\n", v)
					var ve *schema.ValidationError
					if errors.As(err, &ve) {
						for _, p := range ve.Problems {
							fmt.Fprintf(out, "  %s\n", p)
						}
					} else {
						fmt.Fprintf(out, "  %v\n", err)
					}
					continue
				}
				fields := 0
				for _, e := range s.EntityTypes() {
					fields += len(s.EntityFields(e))
				}
				fmt.Fprintf(out, "%s: ok, %d entities, %d fields, %d relations\n",
					v, len(s.EntityTypes()), fields, len(s.Relations()))
			}
			if failed > 0 {
				return common.Errorf(common.ErrSchemaValidation, "%d of %d versions failed", failed, len(repo.Versions()))
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "fields <entity>",
		Short: "List the fields of an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := o.loadDocument(o.logger(cmd))
			if err != nil {
				return err
			}
			s, err := selectSchema(schema.NewRepository(doc), o.cfg.Version, nil)
			if err != nil {
				return err
			}
			if _, err := s.BasePointer(args[0]); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FIELD\tCATEGORY\tOFFSET\tTYPE\tCONVERSION")
			for _, d := range s.EntityFields(args[0]) {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.Name, d.Category, fieldOffset(d), d.Type.Kind, d.Conversion)
			}
			return tw.Flush()
		},
	})
	return cmd
}

func fieldOffset(d *schema.FieldDescriptor) string {
	s := fmt.Sprintf("0x%X", d.ByteOffset)
	if d.Bits != nil {
		s += fmt.Sprintf(":%d+%d", d.Bits.Offset, d.Bits.Width)
	}
	if d.Deref != nil {
		s = fmt.Sprintf("[0x%X]+%s", *d.Deref, s)
	}
	return s
}

// --------------------------------------------------------------------------
// base
// --------------------------------------------------------------------------

func baseCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "base",
		Short: "Table base resolution",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "resolve [entity...]",
		Short: "Resolve table bases, every entity by default",
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withSession(cmd, false, func(ctx context.Context, rt *runtime) error {
				entities := args
				if len(entities) == 0 {
					entities = rt.session.Schema().EntityTypes()
				}
				tw := tabwriter.NewWriter(rt.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ENTITY\tBASE\tSOURCE\tSTRIDE\tCOUNT\tFIRST")
				var firstErr error
				for _, e := range entities {
					rb, err := rt.session.ResolveBase(ctx, e)
					if err != nil {
						fmt.Fprintf(tw, "%s\t-\t%v\n", e, err)
						if firstErr == nil && !common.IsWarning(err) {
							firstErr = err
						}
						continue
					}
					first, _ := rt.session.RecordName(ctx, e, 0)
					source := rb.Source.String()
					if rb.Unverified {
						source += " (unverified)"
					}
					fmt.Fprintf(tw, "%s\t0x%X\t%s\t%d\t%s\t%s\n", e, rb.Address, source, rb.Stride, countText(rb.Count), first)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				return firstErr
			})
		},
	})
	return cmd
}

func countText(n int) string {
	if n == 0 {
		return "?"
	}
	return strconv.Itoa(n)
}

// --------------------------------------------------------------------------
// scan
// --------------------------------------------------------------------------

func scanCmd(o *options) *cobra.Command {
	var (
		c     scanner.Constraints
		skip  []string
		adopt bool
	)
	cmd := &cobra.Command{
		Use:   "scan <entity>",
		Short: "Search memory for the table base of an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.MaxMatches == 0 {
				c.MaxMatches = o.cfg.ScanMaxMatch
			}
			for _, s := range skip {
				n, err := schema.ParseNum(s)
				if err != nil {
					return common.Wrap(common.ErrInvalidParam, err, "--skip %q", s)
				}
				c.SkipBases = append(c.SkipBases, uint64(n))
			}
			return o.withSession(cmd, false, func(ctx context.Context, rt *runtime) error {
				res, err := rt.session.ScanForBase(ctx, args[0], c)
				if err != nil {
					return err
				}
				printScan(rt, res)
				if !adopt || res.Status != scanner.Found {
					return nil
				}
				rb, err := rt.session.AdoptScan(res)
				if err != nil {
					return err
				}
				first, _ := rt.session.RecordName(ctx, args[0], 0)
				fmt.Fprintf(rt.out, "adopted 0x%X, %s records, first %q\n", rb.Address, countText(rb.Count), first)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&c.MaxMatches, "max-matches", 0, "matches used per signature, 0 for all")
	cmd.Flags().IntVar(&c.MaxIndex, "max-index", 0, "cap on the back-calculation range")
	cmd.Flags().IntVar(&c.MinVotes, "min-votes", 0, "override the declared minimum votes")
	cmd.Flags().StringSliceVar(&skip, "skip", nil, "bases never to choose")
	cmd.Flags().BoolVar(&adopt, "adopt", false, "use the found base and show its first record")
	return cmd
}

func printScan(rt *runtime, res scanner.Result) {
	fmt.Fprintf(rt.out, "%s: %s", res.Entity, res.Status)
	if res.Status == scanner.Found {
		fmt.Fprintf(rt.out, " 0x%X confidence %.2f (%d/%d votes)", res.Address, res.Confidence, res.Votes, res.Elements)
	}
	if res.Reason != "" {
		fmt.Fprintf(rt.out, ": %s", res.Reason)
	}
	fmt.Fprintln(rt.out)
	for _, a := range res.Anchors {
		fmt.Fprintf(rt.out, "  anchor 0x%X\n", a)
	}
	if len(res.Candidates) > 0 {
		parts := make([]string, len(res.Candidates))
		for i, c := range res.Candidates {
			parts[i] = c.String()
		}
		fmt.Fprintf(rt.out, "  candidates %s\n", strings.Join(parts, " "))
	}
}

// --------------------------------------------------------------------------
// get / set
// --------------------------------------------------------------------------

// recordIndex accepts a record index or a display name.
func recordIndex(ctx context.Context, s *engine.Session, entity, text string) (int, error) {
	if n, err := strconv.Atoi(text); err == nil {
		return n, nil
	}
	return s.Names().Lookup(ctx, entity, text)
}

func getCmd(o *options) *cobra.Command {
	var raw, showBytes bool
	cmd := &cobra.Command{
		Use:   "get <entity> <index|name> [field...]",
		Short: "Print fields of one record",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entity := args[0]
			return o.withSession(cmd, false, func(ctx context.Context, rt *runtime) error {
				s := rt.session
				idx, err := recordIndex(ctx, s, entity, args[1])
				if err != nil {
					return err
				}
				descs, err := selectFields(s.Schema(), entity, args[2:])
				if err != nil {
					return err
				}
				addr, err := s.EntityAddress(ctx, entity, idx)
				if err != nil {
					return err
				}
				name, _ := s.RecordName(ctx, entity, idx)
				fmt.Fprintf(rt.out, "%s[%d] %q @ 0x%X\n", entity, idx, name, addr)

				var vals map[string]codec.Value
				if !raw {
					names := make([]string, len(descs))
					for i, d := range descs {
						names[i] = d.Name
					}
					if vals, err = s.GetFields(ctx, entity, idx, names); err != nil {
						return err
					}
				}
				tw := tabwriter.NewWriter(rt.out, 0, 4, 2, ' ', 0)
				for _, d := range descs {
					var text string
					switch {
					case showBytes:
						b, err := s.FieldBytes(ctx, entity, idx, d.Name)
						if err != nil {
							return err
						}
						text = fmt.Sprintf("% X", b)
					case raw:
						v, err := s.GetRawField(ctx, entity, idx, d.Name)
						if err != nil {
							return err
						}
						text = v.String()
					default:
						text = formatValue(d, vals[d.Name])
					}
					fmt.Fprintf(tw, "  %s\t%s\n", d.Name, text)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "skip conversions")
	cmd.Flags().BoolVar(&showBytes, "bytes", false, "print undecoded field bytes")
	return cmd
}

func selectFields(s *schema.OffsetSchema, entity string, names []string) ([]*schema.FieldDescriptor, error) {
	if _, err := s.BasePointer(entity); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return s.EntityFields(entity), nil
	}
	out := make([]*schema.FieldDescriptor, 0, len(names))
	for _, n := range names {
		d, err := s.Field(entity, n)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func formatValue(d *schema.FieldDescriptor, v codec.Value) string {
	if v == nil {
		return ""
	}
	if n, ok := v.(codec.IntValue); ok && d.Conversion == convert.Height {
		return fmt.Sprintf("%s (%d in)", convert.FormatHeight(int64(n)), int64(n))
	}
	if sv, ok := v.(codec.StringValue); ok {
		q := strconv.Quote(sv.Text)
		if sv.Lossy {
			q += " (lossy)"
		}
		return q
	}
	return v.String()
}

func setCmd(o *options) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "set <entity> <index|name> <field=value>...",
		Short: "Write fields of one record and save the snapshot",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			entity := args[0]
			return o.withSession(cmd, true, func(ctx context.Context, rt *runtime) error {
				s := rt.session
				idx, err := recordIndex(ctx, s, entity, args[1])
				if err != nil {
					return err
				}
				values := make(map[string]codec.Value, len(args)-2)
				for _, a := range args[2:] {
					name, text, ok := strings.Cut(a, "=")
					if !ok {
						return common.Errorf(common.ErrInvalidParam, "%q is not field=value", a)
					}
					name = strings.TrimSpace(name)
					d, err := s.Schema().Field(entity, name)
					if err != nil {
						return err
					}
					var v codec.Value
					if raw {
						v, err = codec.ParseValue(d, text)
					} else {
						v, err = s.ParseText(d, text)
					}
					if err != nil {
						return err
					}
					values[name] = v
				}

				if raw {
					for name, v := range values {
						if err := s.SetRawField(ctx, entity, idx, name, v); err != nil {
							return err
						}
					}
				} else if err := s.SetFields(ctx, entity, idx, values); err != nil {
					return err
				}
				if err := rt.snap.Save(rt.mapper); err != nil {
					return err
				}
				fmt.Fprintf(rt.out, "%s[%d]: %d fields written\n", entity, idx, len(values))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "store values without conversions")
	return cmd
}

// --------------------------------------------------------------------------
// related
// --------------------------------------------------------------------------

func relatedCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "related <relation> <index> <slot> [field...]",
		Short: "Follow a relation from one record",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[1])
			if err != nil {
				return common.Wrap(common.ErrInvalidParam, err, "index %q", args[1])
			}
			slot, err := strconv.Atoi(args[2])
			if err != nil {
				return common.Wrap(common.ErrInvalidParam, err, "slot %q", args[2])
			}
			return o.withSession(cmd, false, func(ctx context.Context, rt *runtime) error {
				rel, err := rt.session.GetRelatedFields(ctx, args[0], index, slot, args[3:])
				if err != nil {
					return err
				}
				fmt.Fprintf(rt.out, "%s[%d]\n", rel.Entity, rel.Index)
				descs, err := selectFields(rt.session.Schema(), rel.Entity, nil)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(rt.out, 0, 4, 2, ' ', 0)
				for _, d := range descs {
					if v, ok := rel.Fields[d.Name]; ok {
						fmt.Fprintf(tw, "  %s\t%s\n", d.Name, formatValue(d, v))
					}
				}
				return tw.Flush()
			})
		},
	}
}

// --------------------------------------------------------------------------
// journal
// --------------------------------------------------------------------------

func journalCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Scan journal",
	}
	var limit int
	list := &cobra.Command{
		Use:   "list [entity]",
		Short: "List recorded scans, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.cfg.JournalPath == "" {
				return common.Errorf(common.ErrInvalidParam, "no journal, set --journal")
			}
			j, err := journal.Open(o.cfg.JournalPath)
			if err != nil {
				return err
			}
			defer j.Close()
			entity := ""
			if len(args) == 1 {
				entity = args[0]
			}
			entries, err := j.List(cmd.Context(), entity, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tWHEN\tENTITY\tVERSION\tSTATUS\tADDRESS\tCONF\tANCHORS\tREASON")
			for _, e := range entries {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t0x%X\t%.2f\t%d\t%s\n",
					e.ID, e.At.Format("2006-01-02 15:04:05"), e.Entity, e.SchemaVersion,
					e.Status, e.Address, e.Confidence, len(e.Anchors), e.Reason)
			}
			return tw.Flush()
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "entries to show, 0 for all")
	cmd.AddCommand(list)
	return cmd
}
