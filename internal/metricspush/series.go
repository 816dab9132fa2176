package metricspush

import (
	"sort"
	"strconv"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
)

// buildRemoteWriteSeries flattens gathered families into remote_write series.
// Histograms are sent as their _sum and _count plus cumulative _bucket series.
func buildRemoteWriteSeries(families []*dto.MetricFamily, timestampMs int64) []prompb.TimeSeries {
	var series []prompb.TimeSeries
	for _, family := range families {
		if family == nil {
			continue
		}
		for _, metric := range family.GetMetric() {
			if metric == nil {
				continue
			}
			base := metricLabels(metric)
			add := func(name string, value float64, extra ...prompb.Label) {
				labels := make([]prompb.Label, 0, len(base)+len(extra)+1)
				labels = append(labels, prompb.Label{Name: "__name__", Value: name})
				labels = append(labels, base...)
				labels = append(labels, extra...)
				sort.Slice(labels, func(i, j int) bool {
					return labels[i].Name < labels[j].Name
				})
				series = append(series, prompb.TimeSeries{
					Labels:  labels,
					Samples: []prompb.Sample{{Value: value, Timestamp: timestampMs}},
				})
			}

			name := family.GetName()
			switch family.GetType() {
			case dto.MetricType_COUNTER:
				if c := metric.GetCounter(); c != nil {
					add(name, c.GetValue())
				}
			case dto.MetricType_GAUGE:
				if g := metric.GetGauge(); g != nil {
					add(name, g.GetValue())
				}
			case dto.MetricType_HISTOGRAM:
				h := metric.GetHistogram()
				if h == nil {
					continue
				}
				add(name+"_sum", h.GetSampleSum())
				add(name+"_count", float64(h.GetSampleCount()))
				for _, b := range h.GetBucket() {
					add(name+"_bucket", float64(b.GetCumulativeCount()),
						prompb.Label{Name: "le", Value: strconv.FormatFloat(b.GetUpperBound(), 'g', -1, 64)})
				}
				add(name+"_bucket", float64(h.GetSampleCount()), prompb.Label{Name: "le", Value: "+Inf"})
			}
		}
	}
	return series
}

func metricLabels(metric *dto.Metric) []prompb.Label {
	labels := make([]prompb.Label, 0, len(metric.GetLabel()))
	for _, label := range metric.GetLabel() {
		labels = append(labels, prompb.Label{Name: label.GetName(), Value: label.GetValue()})
	}
	return labels
}
